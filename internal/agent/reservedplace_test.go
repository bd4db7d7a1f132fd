package agent

import (
	"testing"

	"github.com/sammck-go/boardhub/internal/model"
)

func TestMaterializeBuildsTcpTunnel(t *testing.T) {
	spec := &model.ImportSpec{
		Name: "s1",
		Parts: map[string]model.ImportedPart{
			"a": {
				Compatible: []string{"x"},
				TCP:        map[string]model.TCPImportDesc{"scpi": {LocalPort: 5125}},
			},
		},
	}
	p := &reservedPlace{name: "s1", spec: spec, placeID: "place-1"}

	parts := []model.ExportedPart{
		{
			Compatible: []string{"x"},
			TCP:        map[string]model.TCPExportDesc{"scpi": {Host: "10.0.0.1", Port: 5025}},
		},
	}

	if err := p.materialize("10.0.0.1", 2192, parts, "tok"); err != nil {
		t.Fatalf("materialize: %s", err)
	}
	if len(p.tunnels) != 1 {
		t.Fatalf("expected 1 tunnel, got %d", len(p.tunnels))
	}
	tt, ok := p.tunnels[0].(*tcpTunnel)
	if !ok {
		t.Fatalf("expected *tcpTunnel, got %T", p.tunnels[0])
	}
	if tt.localPort != 5125 || tt.ifaceName != "scpi" || tt.placeID != "place-1" || tt.token != "tok" {
		t.Fatalf("unexpected tunnel fields: %+v", tt)
	}
}

func TestMaterializeFailsWhenAssignmentImpossible(t *testing.T) {
	spec := &model.ImportSpec{
		Name: "s1",
		Parts: map[string]model.ImportedPart{
			"a": {Compatible: []string{"missing"}},
		},
	}
	p := &reservedPlace{name: "s1", spec: spec, placeID: "place-1"}

	parts := []model.ExportedPart{{Compatible: []string{"x"}}}
	if err := p.materialize("10.0.0.1", 2192, parts, "tok"); err == nil {
		t.Fatal("expected an error when no part matches")
	}
}

package agent

import (
	"testing"

	"github.com/sammck-go/boardhub/internal/model"
)

func testPlace(id string, tags []string, tcpIface string) model.Place {
	return model.Place{
		ID: id,
		Parts: []model.ExportedPart{
			{
				Compatible: tags,
				TCP:        map[string]model.TCPExportDesc{tcpIface: {Host: "127.0.0.1", Port: 5025}},
			},
		},
	}
}

func testSpec(name string, tags []string, tcpIface string) *model.ImportSpec {
	return &model.ImportSpec{
		Name: name,
		Parts: map[string]model.ImportedPart{
			"a": {
				Compatible: tags,
				TCP:        map[string]model.TCPImportDesc{tcpIface: {LocalPort: 5125}},
			},
		},
	}
}

func TestFilterPlacesMatchesCompatibleTag(t *testing.T) {
	places := []model.Place{testPlace("p1", []string{"x"}, "scpi")}
	spec := testSpec("s1", []string{"x"}, "scpi")

	candidates := filterPlaces(spec, places)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if _, ok := candidates["p1"]; !ok {
		t.Fatalf("expected p1 to be a candidate")
	}
}

func TestFilterPlacesRejectsMissingTag(t *testing.T) {
	places := []model.Place{testPlace("p1", []string{"y"}, "scpi")}
	spec := testSpec("s1", []string{"x"}, "scpi")

	candidates := filterPlaces(spec, places)
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

func TestFilterPlacesRejectsMissingInterface(t *testing.T) {
	places := []model.Place{testPlace("p1", []string{"x"}, "other-iface")}
	spec := testSpec("s1", []string{"x"}, "scpi")

	candidates := filterPlaces(spec, places)
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

package model

import (
	"bytes"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// LoadExportDesc strictly decodes a place's TOML export description: any
// field not named in ExportDesc is a load error, not a silent no-op.
func LoadExportDesc(data []byte) (*ExportDesc, error) {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var d ExportDesc
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding export description: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadImportSpec strictly decodes an agent's TOML import spec.
func LoadImportSpec(data []byte) (*ImportSpec, error) {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var s ImportSpec
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding import spec: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

package job

import (
	"encoding/json"
	"fmt"
)

// envelope is used for initial JSON unmarshaling to determine the spec type.
type envelope struct {
	Type Type `json:"type"`
}

func newSpec(t Type) (Spec, error) {
	switch t {
	case TypePixelOps:
		return &PixelOps{}, nil
	case TypeAlignment:
		return &Alignment{}, nil
	case TypeStacking:
		return &Stacking{}, nil
	case TypeSourceExtraction:
		return &SourceExtraction{}, nil
	case TypePhotometry:
		return &Photometry{}, nil
	case TypeCatalogQuery:
		return &CatalogQuery{}, nil
	case TypeSonification:
		return &Sonification{}, nil
	case TypeWcsCalibration:
		return &WcsCalibration{}, nil
	case TypeFieldCalibration:
		return &FieldCalibration{}, nil
	}
	return nil, fmt.Errorf("unknown job type: %q", t)
}

// UnmarshalSpec unmarshals a JSON job specification into its concrete type.
func UnmarshalSpec(data []byte) (Spec, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to determine job type: %w", err)
	}

	spec, err := newSpec(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s spec: %w", env.Type, err)
	}
	return spec, nil
}

// MarshalSpec marshals a spec with its type field included.
func MarshalSpec(s Spec) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("spec is nil")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m["type"] = s.JobType()

	return json.Marshal(m)
}

// Envelope wraps a Spec so it can be embedded in other JSON documents.
type Envelope struct {
	Spec Spec
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Spec == nil {
		return []byte("null"), nil
	}
	return MarshalSpec(e.Spec)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		e.Spec = nil
		return nil
	}
	spec, err := UnmarshalSpec(data)
	if err != nil {
		return err
	}
	e.Spec = spec
	return nil
}

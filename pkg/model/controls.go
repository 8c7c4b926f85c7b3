package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ControlStatus is the implementation state of a security control.
type ControlStatus string

const (
	ControlImplemented    ControlStatus = "implemented"
	ControlPartial        ControlStatus = "partial"
	ControlPlanned        ControlStatus = "planned"
	ControlNotImplemented ControlStatus = "not_implemented"
)

// ParseControlStatus maps free-form status strings onto the closed set.
// Unrecognized values are treated as not implemented.
func ParseControlStatus(s string) ControlStatus {
	switch strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s))) {
	case "implemented", "yes", "true", "enabled", "in_place", "active", "done":
		return ControlImplemented
	case "partial", "partially_implemented", "in_progress":
		return ControlPartial
	case "planned", "todo", "roadmap":
		return ControlPlanned
	default:
		return ControlNotImplemented
	}
}

// Control is one entry of the control inventory.
type Control struct {
	// Control name as written in controls.json (e.g., "mtls")
	Name string `json:"name"`

	// Implementation state
	Status ControlStatus `json:"status"`

	// Component ids the control is scoped to; empty means every component
	Components []string `json:"components,omitempty"`
}

// AppliesTo reports whether the control covers the component.
func (c Control) AppliesTo(componentID string) bool {
	if len(c.Components) == 0 {
		return true
	}
	want := CanonicalID(componentID)
	for _, id := range c.Components {
		if id == componentID || CanonicalID(id) == want {
			return true
		}
	}
	return false
}

// ControlSet is the parsed controls.json inventory.
type ControlSet struct {
	controls []Control
}

// NewControlSet builds a set sorted by control name.
func NewControlSet(controls ...Control) *ControlSet {
	cs := &ControlSet{controls: append([]Control(nil), controls...)}
	sort.SliceStable(cs.controls, func(i, j int) bool { return cs.controls[i].Name < cs.controls[j].Name })
	return cs
}

// ParseControlSet decodes a control → status map. Values may be a status
// string, a boolean, or an object {status, components}. The map may also be
// wrapped in a top-level "controls" key.
func ParseControlSet(data []byte) (*ControlSet, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("decode controls: %w", err)
	}
	if inner, ok := top["controls"]; ok && len(top) == 1 {
		top = nil
		if err := json.Unmarshal(inner, &top); err != nil {
			return nil, fmt.Errorf("decode controls: %w", err)
		}
	}

	controls := make([]Control, 0, len(top))
	for name, raw := range top {
		c, err := parseControl(name, raw)
		if err != nil {
			return nil, err
		}
		controls = append(controls, c)
	}
	return NewControlSet(controls...), nil
}

func parseControl(name string, raw json.RawMessage) (Control, error) {
	c := Control{Name: name}

	var status string
	if err := json.Unmarshal(raw, &status); err == nil {
		c.Status = ParseControlStatus(status)
		return c, nil
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		c.Status = ControlNotImplemented
		if flag {
			c.Status = ControlImplemented
		}
		return c, nil
	}
	var obj struct {
		Status     string   `json:"status"`
		Components []string `json:"components"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return c, fmt.Errorf("control %q: unsupported value %s", name, string(raw))
	}
	c.Status = ParseControlStatus(obj.Status)
	c.Components = obj.Components
	return c, nil
}

// All returns every control sorted by name.
func (s *ControlSet) All() []Control {
	if s == nil {
		return nil
	}
	return s.controls
}

// Implemented returns the implemented controls covering the component,
// sorted by name.
func (s *ControlSet) Implemented(componentID string) []Control {
	var out []Control
	for _, c := range s.All() {
		if c.Status == ControlImplemented && c.AppliesTo(componentID) {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of controls.
func (s *ControlSet) Len() int {
	return len(s.All())
}

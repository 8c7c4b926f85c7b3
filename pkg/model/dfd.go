package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ComponentKind classifies a DFD element.
type ComponentKind string

const (
	KindEntity  ComponentKind = "entity"
	KindProcess ComponentKind = "process"
	KindStore   ComponentKind = "store"
	KindFlow    ComponentKind = "flow"
)

// ParseComponentKind maps the common DFD vocabularies onto the four kinds.
// Unrecognized values are treated as processes.
func ParseComponentKind(s string) ComponentKind {
	switch strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)) {
	case "entity", "externalentity", "external", "actor", "user":
		return KindEntity
	case "store", "datastore", "database", "db", "storage":
		return KindStore
	case "flow", "dataflow", "connection", "edge":
		return KindFlow
	default:
		return KindProcess
	}
}

// DataSensitivity is the classification of data handled by a component.
type DataSensitivity string

const (
	SensitivityPublic       DataSensitivity = "public"
	SensitivityInternal     DataSensitivity = "internal"
	SensitivityConfidential DataSensitivity = "confidential"
	SensitivityRestricted   DataSensitivity = "restricted"
)

// Rank orders sensitivities from public (0) to restricted (3).
// Unknown values rank as internal.
func (s DataSensitivity) Rank() int {
	switch s {
	case SensitivityPublic:
		return 0
	case SensitivityConfidential:
		return 2
	case SensitivityRestricted:
		return 3
	default:
		return 1
	}
}

// ParseDataSensitivity accepts the four classifications and common synonyms.
func ParseDataSensitivity(s string) DataSensitivity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public", "none", "low":
		return SensitivityPublic
	case "confidential", "sensitive", "pii", "high":
		return SensitivityConfidential
	case "restricted", "secret", "phi", "pci", "critical":
		return SensitivityRestricted
	default:
		return SensitivityInternal
	}
}

// DFDComponent is one element of the data-flow diagram.
// Components are immutable once loaded; identity is ID.
type DFDComponent struct {
	// Canonical identifier (e.g., "api_gateway")
	ID string `json:"id"`

	// Human-readable name (e.g., "API Gateway")
	Name string `json:"name"`

	// Element kind
	Kind ComponentKind `json:"kind"`

	// Trust boundary the element sits in (optional)
	TrustBoundary string `json:"trust_boundary,omitempty"`

	// Flow endpoints, only for KindFlow
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`

	// Free-form attributes (data_sensitivity, protocol, exposure, ...)
	Attributes map[string]any `json:"attributes,omitempty"`
}

// UnmarshalJSON accepts "type" as an alias for "kind" and tolerates
// components given without an id.
func (c *DFDComponent) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID            string         `json:"id"`
		Name          string         `json:"name"`
		Kind          string         `json:"kind"`
		Type          string         `json:"type"`
		TrustBoundary string         `json:"trust_boundary"`
		Source        string         `json:"source"`
		Target        string         `json:"target"`
		From          string         `json:"from"`
		To            string         `json:"to"`
		Attributes    map[string]any `json:"attributes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind := raw.Kind
	if kind == "" {
		kind = raw.Type
	}
	*c = DFDComponent{
		ID:            raw.ID,
		Name:          raw.Name,
		Kind:          ParseComponentKind(kind),
		TrustBoundary: raw.TrustBoundary,
		Source:        firstNonEmpty(raw.Source, raw.From),
		Target:        firstNonEmpty(raw.Target, raw.To),
		Attributes:    raw.Attributes,
	}
	return nil
}

// Attr returns a string attribute, or "" when absent or not a string.
func (c DFDComponent) Attr(key string) string {
	if v, ok := c.Attributes[key].(string); ok {
		return v
	}
	return ""
}

// Sensitivity returns the component's data classification.
func (c DFDComponent) Sensitivity() DataSensitivity {
	return ParseDataSensitivity(c.Attr("data_sensitivity"))
}

// DisplayName returns Name, or ID when the name is empty.
func (c DFDComponent) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// TrustBoundary groups components that share a trust level.
type TrustBoundary struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Components []string `json:"components,omitempty"`
}

// DFD is the parsed dfd_components.json document.
type DFD struct {
	Components      []DFDComponent  `json:"components"`
	Flows           []DFDComponent  `json:"flows,omitempty"`
	TrustBoundaries []TrustBoundary `json:"trust_boundaries,omitempty"`

	byID map[string]int
}

// ParseDFD decodes either the {components, flows, trust_boundaries} object
// form or a bare array of components, then normalizes it.
func ParseDFD(data []byte) (*DFD, error) {
	data = bytes.TrimSpace(data)
	d := &DFD{}
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &d.Components); err != nil {
			return nil, fmt.Errorf("decode component array: %w", err)
		}
	} else if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("decode dfd: %w", err)
	}
	if err := d.normalize(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDFD builds a normalized DFD from in-memory elements.
func NewDFD(components []DFDComponent, boundaries ...TrustBoundary) (*DFD, error) {
	d := &DFD{TrustBoundaries: boundaries}
	for _, c := range components {
		if c.Kind == KindFlow {
			d.Flows = append(d.Flows, c)
		} else {
			d.Components = append(d.Components, c)
		}
	}
	if err := d.normalize(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DFD) normalize() error {
	// Flows listed among components are moved to Flows.
	var comps []DFDComponent
	for _, c := range d.Components {
		if c.Kind == KindFlow {
			d.Flows = append(d.Flows, c)
			continue
		}
		comps = append(comps, c)
	}
	d.Components = comps
	for i := range d.Flows {
		d.Flows[i].Kind = KindFlow
	}

	membership := make(map[string]string)
	for _, b := range d.TrustBoundaries {
		name := firstNonEmpty(b.ID, b.Name)
		for _, id := range b.Components {
			membership[CanonicalID(id)] = name
		}
	}

	d.byID = make(map[string]int)
	all := d.All()
	for i := range all {
		c := &all[i]
		if c.ID == "" {
			c.ID = CanonicalID(c.Name)
		}
		if c.ID == "" {
			return fmt.Errorf("component %d has neither id nor name", i)
		}
		if c.TrustBoundary == "" {
			c.TrustBoundary = membership[CanonicalID(c.ID)]
		}
		if _, dup := d.byID[c.ID]; dup {
			return fmt.Errorf("duplicate component id %q", c.ID)
		}
		d.byID[c.ID] = i
	}
	n := len(d.Components)
	d.Components = all[:n:n]
	d.Flows = all[n:]
	for i := range d.Flows {
		d.Flows[i].Source = d.resolve(d.Flows[i].Source)
		d.Flows[i].Target = d.resolve(d.Flows[i].Target)
	}
	return nil
}

// resolve maps a flow endpoint given by name onto a known id.
func (d *DFD) resolve(ref string) string {
	if _, ok := d.byID[ref]; ok || ref == "" {
		return ref
	}
	if id := CanonicalID(ref); id != "" {
		if _, ok := d.byID[id]; ok {
			return id
		}
	}
	return ref
}

// All returns components followed by flows in input order.
func (d *DFD) All() []DFDComponent {
	all := make([]DFDComponent, 0, len(d.Components)+len(d.Flows))
	all = append(all, d.Components...)
	return append(all, d.Flows...)
}

// Component returns the element with the given id.
func (d *DFD) Component(id string) (DFDComponent, bool) {
	i, ok := d.byID[id]
	if !ok {
		return DFDComponent{}, false
	}
	if i < len(d.Components) {
		return d.Components[i], true
	}
	return d.Flows[i-len(d.Components)], true
}

// Names returns the canonical id of every element keyed by both its id and
// its display name, for name standardization.
func (d *DFD) Names() map[string]string {
	names := make(map[string]string, 2*len(d.byID))
	for _, c := range d.All() {
		names[c.ID] = c.ID
		if c.Name != "" {
			names[c.Name] = c.ID
		}
	}
	return names
}

// FlowsFor returns the flows that start or end at id, sorted by flow id.
func (d *DFD) FlowsFor(id string) []DFDComponent {
	var flows []DFDComponent
	for _, f := range d.Flows {
		if f.Source == id || f.Target == id {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows
}

// CrossesBoundary reports whether the element straddles a trust boundary:
// a flow whose endpoints sit in different boundaries, or a node with such a
// flow attached.
func (d *DFD) CrossesBoundary(c DFDComponent) bool {
	if c.Kind == KindFlow {
		return d.flowCrosses(c)
	}
	for _, f := range d.FlowsFor(c.ID) {
		if d.flowCrosses(f) {
			return true
		}
	}
	return false
}

func (d *DFD) flowCrosses(f DFDComponent) bool {
	src, okS := d.Component(f.Source)
	dst, okT := d.Component(f.Target)
	if !okS || !okT {
		return false
	}
	return src.TrustBoundary != dst.TrustBoundary
}

// Sensitivity returns the data classification of c. Flows inherit the
// highest classification of their endpoints when they carry none.
func (d *DFD) Sensitivity(c DFDComponent) DataSensitivity {
	if c.Attr("data_sensitivity") != "" || c.Kind != KindFlow {
		return c.Sensitivity()
	}
	best, found := SensitivityPublic, false
	for _, id := range []string{c.Source, c.Target} {
		ep, ok := d.Component(id)
		if !ok {
			continue
		}
		found = true
		if ep.Sensitivity().Rank() > best.Rank() {
			best = ep.Sensitivity()
		}
	}
	if !found {
		return SensitivityInternal
	}
	return best
}

// CanonicalID derives an identifier from a display name:
// "API Gateway" becomes "api_gateway".
func CanonicalID(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

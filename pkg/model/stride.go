package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StrideCategory is one of the six STRIDE threat categories.
type StrideCategory string

const (
	Spoofing              StrideCategory = "Spoofing"
	Tampering             StrideCategory = "Tampering"
	Repudiation           StrideCategory = "Repudiation"
	InformationDisclosure StrideCategory = "Information Disclosure"
	DenialOfService       StrideCategory = "Denial of Service"
	ElevationOfPrivilege  StrideCategory = "Elevation of Privilege"
)

// AllStrideCategories returns the categories in STRIDE order.
func AllStrideCategories() []StrideCategory {
	return []StrideCategory{
		Spoofing, Tampering, Repudiation,
		InformationDisclosure, DenialOfService, ElevationOfPrivilege,
	}
}

// String returns the display name of the category.
func (c StrideCategory) String() string {
	return string(c)
}

// Letter returns the single-letter STRIDE abbreviation.
func (c StrideCategory) Letter() string {
	switch c {
	case Spoofing:
		return "S"
	case Tampering:
		return "T"
	case Repudiation:
		return "R"
	case InformationDisclosure:
		return "I"
	case DenialOfService:
		return "D"
	case ElevationOfPrivilege:
		return "E"
	default:
		return ""
	}
}

// Order returns the position of c in STRIDE order, or 6 for invalid values.
func (c StrideCategory) Order() int {
	for i, cat := range AllStrideCategories() {
		if cat == c {
			return i
		}
	}
	return len(AllStrideCategories())
}

// IsValid reports whether c is one of the six categories.
func (c StrideCategory) IsValid() bool {
	return c.Order() < len(AllStrideCategories())
}

// ParseStrideCategory accepts full names, single letters and
// snake/kebab/space/camel variants ("info_disclosure", "DoS", "E").
func ParseStrideCategory(s string) (StrideCategory, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("_", "", "-", "", " ", "", ".", "").Replace(key)
	switch key {
	case "s", "spoofing", "spoof", "identityspoofing":
		return Spoofing, true
	case "t", "tampering", "tamper":
		return Tampering, true
	case "r", "repudiation":
		return Repudiation, true
	case "i", "informationdisclosure", "infodisclosure", "disclosure", "informationleak":
		return InformationDisclosure, true
	case "d", "denialofservice", "dos", "denial":
		return DenialOfService, true
	case "e", "elevationofprivilege", "elevationofprivileges", "privilegeescalation", "eop":
		return ElevationOfPrivilege, true
	default:
		return "", false
	}
}

// UnmarshalJSON parses leniently and rejects unknown categories.
func (c *StrideCategory) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseStrideCategory(s)
	if !ok {
		return fmt.Errorf("unknown STRIDE category %q", s)
	}
	*c = parsed
	return nil
}

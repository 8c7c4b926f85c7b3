package model

import "strings"

// Industry selects the regulatory framing of justifications.
type Industry string

const (
	IndustryGeneric    Industry = "generic"
	IndustryFinance    Industry = "finance"
	IndustryHealthcare Industry = "healthcare"
	IndustryGovernment Industry = "government"
)

// AllIndustries returns every supported profile.
func AllIndustries() []Industry {
	return []Industry{IndustryGeneric, IndustryFinance, IndustryHealthcare, IndustryGovernment}
}

// ParseIndustry maps a configured profile name to an Industry. The second
// result is false when the name is not recognized; the profile is then
// generic.
func ParseIndustry(s string) (Industry, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "generic", "default", "general":
		return IndustryGeneric, true
	case "finance", "financial", "fintech", "banking", "payments":
		return IndustryFinance, true
	case "healthcare", "health", "medical", "hipaa":
		return IndustryHealthcare, true
	case "government", "gov", "public_sector", "federal":
		return IndustryGovernment, true
	default:
		return IndustryGeneric, false
	}
}

package suppression

import (
	"sort"
	"strings"
	"unicode"

	"github.com/exploopio/threatrefine/pkg/model"
)

// Mapping maps control names to the STRIDE categories they mitigate.
// Keys are compared in compact form: lower case, letters and digits only,
// so "mTLS", "m-tls" and "M_TLS" are the same control.
type Mapping map[string][]model.StrideCategory

// DefaultMapping returns the built-in control vocabulary.
func DefaultMapping() Mapping {
	m := Mapping{}
	add := func(cat model.StrideCategory, names ...string) {
		for _, n := range names {
			k := compact(n)
			m[k] = append(m[k], cat)
		}
	}
	add(model.Spoofing, "mtls", "mutual_tls", "mfa", "multi_factor_authentication",
		"authentication", "sso", "strong_authentication", "certificate_pinning")
	add(model.Tampering, "input_validation", "waf", "web_application_firewall",
		"code_signing", "integrity", "integrity_checks", "hmac", "parameterized_queries")
	add(model.Repudiation, "audit_logging", "audit_logs", "tamper_evident_logging",
		"non_repudiation", "digital_signatures")
	add(model.InformationDisclosure, "encryption", "encryption_at_rest", "encryption_in_transit",
		"tls", "data_masking", "tokenization", "dlp")
	add(model.DenialOfService, "rate_limiting", "throttling", "ddos", "ddos_protection",
		"autoscaling", "circuit_breaker")
	add(model.ElevationOfPrivilege, "rbac", "abac", "least_privilege", "access_control",
		"authorization", "sandboxing", "privilege_separation")
	// mTLS also authenticates and encrypts the channel.
	add(model.InformationDisclosure, "mtls", "mutual_tls")
	add(model.Tampering, "digital_signatures")
	return m
}

// Merge returns a copy of m extended with extra. Extra entries replace
// built-in ones for the same control.
func (m Mapping) Merge(extra map[string][]model.StrideCategory) Mapping {
	out := make(Mapping, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		out[compact(k)] = v
	}
	return out
}

// Categories returns the categories a control mitigates.
func (m Mapping) Categories(control string) []model.StrideCategory {
	return m[compact(control)]
}

// Mitigates reports whether the control mitigates the category.
func (m Mapping) Mitigates(control string, category model.StrideCategory) bool {
	for _, c := range m.Categories(control) {
		if c == category {
			return true
		}
	}
	return false
}

// Mitigating returns the names of the implemented controls on the
// component that mitigate category, sorted.
func (m Mapping) Mitigating(controls *model.ControlSet, componentID string, category model.StrideCategory) []string {
	var names []string
	for _, c := range controls.Implemented(componentID) {
		if m.Mitigates(c.Name, category) {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

func compact(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

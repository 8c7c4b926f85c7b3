package model

import (
	"github.com/exploopio/threatrefine/pkg/shared/severity"
)

// Origin records where a candidate came from.
type Origin string

const (
	OriginGeneration Origin = "generation"
	OriginImport     Origin = "import"
)

// CandidateSource identifies the producing call of a candidate.
type CandidateSource struct {
	// Identifier of the backend call (empty for imports)
	ModelCallID string `json:"model_call_id,omitempty"`

	// generation or import
	Origin Origin `json:"origin"`
}

// ThreatCandidate is a raw threat before refinement.
type ThreatCandidate struct {
	// Unique identifier within the run
	ID string `json:"id"`

	// Canonical component id (set by name standardization)
	ComponentRef string `json:"component_ref"`

	// Component name as produced by the source
	ComponentName string `json:"component_name"`

	// STRIDE category
	StrideCategory StrideCategory `json:"stride_category"`

	// Threat description
	Description string `json:"description"`

	// Provenance
	Source CandidateSource `json:"source"`

	// Confidence reported by the source, in [0,1]
	RawConfidence float64 `json:"raw_confidence"`

	// Reference URLs or identifiers
	References []string `json:"references,omitempty"`

	// CVE ids mentioned in the description or references
	CVEs []string `json:"cves,omitempty"`
}

// ExploitationStatus is what the KEV catalog says about a candidate's CVEs.
type ExploitationStatus string

const (
	// ExploitationUnknown means the KEV lookup failed.
	ExploitationUnknown ExploitationStatus = "unknown"

	// ExploitationNone means no referenced CVE is in the KEV catalog.
	ExploitationNone ExploitationStatus = "not_known"

	// ExploitationKnown means at least one referenced CVE is in the KEV catalog.
	ExploitationKnown ExploitationStatus = "known_exploited"
)

// SuppressionRule is the closed set of suppression rules, in evaluation order.
type SuppressionRule string

const (
	RuleControlMapped    SuppressionRule = "control_mapped"
	RuleVulnerabilityAge SuppressionRule = "vulnerability_age"
	RuleKEVOverride      SuppressionRule = "kev_override"
)

// AllSuppressionRules returns the rules in evaluation order.
func AllSuppressionRules() []SuppressionRule {
	return []SuppressionRule{RuleControlMapped, RuleVulnerabilityAge, RuleKEVOverride}
}

// SuppressionDecision is produced once per candidate and never mutated.
type SuppressionDecision struct {
	CandidateRef string             `json:"candidate_ref"`
	Suppressed   bool               `json:"suppressed"`
	RuleID       SuppressionRule    `json:"rule_id,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Exploitation ExploitationStatus `json:"exploitation"`
}

// ThreatCluster groups survivors describing the same issue.
type ThreatCluster struct {
	// Candidate ids, in stable order
	MemberRefs []string `json:"member_refs"`

	// Merged representative
	Representative ThreatCandidate `json:"representative"`
}

// Size returns the number of members.
func (c ThreatCluster) Size() int {
	return len(c.MemberRefs)
}

// Maturity describes how proven an attack technique is.
type Maturity string

const (
	MaturityTheoretical    Maturity = "theoretical"
	MaturityProofOfConcept Maturity = "proof_of_concept"
	MaturityFunctional     Maturity = "functional"
	MaturityWeaponized     Maturity = "weaponized"
)

// Rank orders maturities from theoretical (0) to weaponized (3).
func (m Maturity) Rank() int {
	switch m {
	case MaturityWeaponized:
		return 3
	case MaturityFunctional:
		return 2
	case MaturityProofOfConcept:
		return 1
	default:
		return 0
	}
}

// EnrichedThreat is a final catalog entry. It is created once per cluster
// and never mutated.
type EnrichedThreat struct {
	ID             string         `json:"id" validate:"required"`
	ComponentRef   string         `json:"component_ref" validate:"required"`
	ComponentName  string         `json:"component_name,omitempty"`
	StrideCategory StrideCategory `json:"stride_category" validate:"required,stride"`
	Description    string         `json:"description" validate:"required"`

	Impact         severity.Level `json:"impact" validate:"required,level"`
	Likelihood     severity.Level `json:"likelihood" validate:"required,oneof=low medium high"`
	Exploitability severity.Level `json:"exploitability" validate:"required,level"`
	Maturity       Maturity       `json:"maturity" validate:"required,oneof=theoretical proof_of_concept functional weaponized"`
	RiskScore      severity.Level `json:"risk_score" validate:"required,level"`
	ResidualRisk   severity.Level `json:"residual_risk" validate:"required,level"`

	Justification string `json:"justification" validate:"required"`
	RiskStatement string `json:"risk_statement" validate:"required"`

	References         []string `json:"references"`
	CVEs               []string `json:"cves,omitempty"`
	MitigatingControls []string `json:"mitigating_controls,omitempty"`
	MergedFrom         []string `json:"merged_from" validate:"min=1"`
	Confidence         float64  `json:"confidence" validate:"gte=0,lte=1"`
}

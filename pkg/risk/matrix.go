package risk

import (
	"regexp"
	"time"

	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/severity"
)

// matrix is indexed [impact][likelihood] by Priority()-1. Rows and columns
// are non-decreasing.
var matrix = [4][3]severity.Level{
	{severity.Low, severity.Low, severity.Medium},
	{severity.Low, severity.Medium, severity.High},
	{severity.Medium, severity.High, severity.High},
	{severity.High, severity.Critical, severity.Critical},
}

// Score looks up the risk score for impact × likelihood. Likelihood above
// High is treated as High.
func Score(impact, likelihood severity.Level) severity.Level {
	i := clamp(impact.Priority(), 1, 4) - 1
	l := clamp(likelihood.Priority(), 1, 3) - 1
	return matrix[i][l]
}

// Exploitability thresholds.
const (
	EPSSBumpThreshold     = 0.5
	EPSSProofThreshold    = 0.1
	AgeBump               = 2 * 365 * 24 * time.Hour
	ConfidentThreshold    = 0.7
	likelihoodHighScore   = 5
	likelihoodMediumScore = 3
)

// Exploitability rates how exploitable the threat is from its CVEs: any
// KEV-listed CVE is Critical; otherwise the highest CVSS level, raised one
// step for an EPSS of at least 0.5 and one step for an age of two years or
// more. Without a scored CVE the raw confidence decides between Medium
// and Low.
func Exploitability(intel []model.Intel, confidence float64, now time.Time) severity.Level {
	return rateExploitability(intel, confidence, ConfidentThreshold, now)
}

func rateExploitability(intel []model.Intel, confidence, confident float64, now time.Time) severity.Level {
	best, scored := severity.Low, false
	for _, in := range intel {
		if in.InKEV() {
			return severity.Critical
		}
		if !in.CVSSKnown {
			continue
		}
		level := severity.FromCVSS(in.CVSS)
		if in.EPSSKnown && in.EPSS >= EPSSBumpThreshold {
			level = level.Up(1)
		}
		if published, ok := in.PublishedOrYear(); ok && now.Sub(published) >= AgeBump {
			level = level.Up(1)
		}
		best, scored = severity.Max(best, level), true
	}
	if scored {
		return best
	}
	if confidence >= confident {
		return severity.Medium
	}
	return severity.Low
}

var pocWording = regexp.MustCompile(`(?i)\b(proof[- ]of[- ]concept|poc|public(ly available)? exploits?|exploit code|metasploit|exploit-db)\b`)

// Maturity ranks how proven the attack technique is.
func Maturity(intel []model.Intel, description string, references []string) model.Maturity {
	inKEV, ransomware, proof := false, false, false
	for _, in := range intel {
		if in.InKEV() {
			inKEV = true
			ransomware = ransomware || in.RansomwareUse
		}
		if in.HasExploitRef || (in.EPSSKnown && in.EPSS >= EPSSProofThreshold) {
			proof = true
		}
	}
	switch {
	case ransomware:
		return model.MaturityWeaponized
	case inKEV:
		return model.MaturityFunctional
	case proof || pocWording.MatchString(description):
		return model.MaturityProofOfConcept
	}
	for _, r := range references {
		if pocWording.MatchString(r) {
			return model.MaturityProofOfConcept
		}
	}
	return model.MaturityTheoretical
}

var categoryBaseline = map[model.StrideCategory]severity.Level{
	model.Spoofing:              severity.Medium,
	model.Tampering:             severity.Medium,
	model.Repudiation:           severity.Low,
	model.InformationDisclosure: severity.Medium,
	model.DenialOfService:       severity.Medium,
	model.ElevationOfPrivilege:  severity.High,
}

// Impact starts from the category baseline, moves one step per
// sensitivity class away from internal and one step up for a trust
// boundary crossing.
func Impact(category model.StrideCategory, sensitivity model.DataSensitivity, crossesBoundary bool) severity.Level {
	level, ok := categoryBaseline[category]
	if !ok {
		level = severity.Medium
	}
	shift := sensitivity.Rank() - model.SensitivityInternal.Rank()
	if crossesBoundary {
		shift++
	}
	if shift >= 0 {
		return level.Up(shift)
	}
	return level.Down(-shift)
}

// Likelihood combines exploitability, maturity and exposure into
// Low, Medium or High.
func Likelihood(exploitability severity.Level, maturity model.Maturity, exposed bool) severity.Level {
	score := exploitability.Priority() + maturity.Rank()
	if exposed {
		score++
	}
	switch {
	case score >= likelihoodHighScore:
		return severity.High
	case score >= likelihoodMediumScore:
		return severity.Medium
	default:
		return severity.Low
	}
}

// ResidualMode selects how implemented controls lower the risk score.
type ResidualMode string

const (
	// One level per mitigating control.
	ResidualPerControl ResidualMode = "per_control"

	// At most one level regardless of control count.
	ResidualSingleLevel ResidualMode = "single_level"
)

// ParseResidualMode defaults to per_control.
func ParseResidualMode(s string) ResidualMode {
	if ResidualMode(s) == ResidualSingleLevel {
		return ResidualSingleLevel
	}
	return ResidualPerControl
}

// Residual lowers score for mitigating controls, with a floor at Low.
func Residual(score severity.Level, mitigating int, mode ResidualMode) severity.Level {
	if mode == ResidualSingleLevel {
		mitigating = min(mitigating, 1)
	}
	return score.Down(mitigating)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

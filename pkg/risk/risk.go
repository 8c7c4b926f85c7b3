// Package risk turns cluster representatives into final catalog entries:
// exploitability, maturity, impact, likelihood, the matrix risk score,
// residual risk after controls and the industry-specific narrative.
package risk

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/fingerprint"
	"github.com/exploopio/threatrefine/pkg/suppression"
)

// Environment is what the enricher knows about the system under analysis.
// Every field is optional.
type Environment struct {
	DFD      *model.DFD
	Controls *model.ControlSet
	Industry model.Industry
	Intel    core.IntelSource
}

// Config configures the enricher.
type Config struct {
	// Control vocabulary for residual risk (default suppression.DefaultMapping)
	Mapping suppression.Mapping

	// Residual risk policy (default per_control)
	Residual ResidualMode

	// Raw confidence at which an unscored threat rates Medium exploitability
	// (default ConfidentThreshold)
	ConfidentThreshold float64

	// Clock used for CVE age (default time.Now)
	Now func() time.Time

	Logger core.Logger
}

// Enricher computes EnrichedThreats. It holds no per-run state.
type Enricher struct {
	mapping   suppression.Mapping
	residual  ResidualMode
	confident float64
	now       func() time.Time
	logger    core.Logger
}

// New creates an Enricher.
func New(cfg Config) *Enricher {
	if cfg.Mapping == nil {
		cfg.Mapping = suppression.DefaultMapping()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ConfidentThreshold <= 0 {
		cfg.ConfidentThreshold = ConfidentThreshold
	}
	return &Enricher{
		mapping:   cfg.Mapping,
		residual:  ParseResidualMode(string(cfg.Residual)),
		confident: cfg.ConfidentThreshold,
		now:       cfg.Now,
		logger:    core.OrNop(cfg.Logger),
	}
}

// Enrich builds the catalog entry for one cluster. The threat is always
// complete; the error only reports feed lookups that degraded it.
func (e *Enricher) Enrich(ctx context.Context, cluster model.ThreatCluster, env Environment) (model.EnrichedThreat, error) {
	rep := cluster.Representative
	intel, lookupErr := lookupAll(ctx, env.Intel, rep.CVEs)

	component, known := model.DFDComponent{ID: rep.ComponentRef, Name: rep.ComponentName}, false
	if env.DFD != nil {
		if c, ok := env.DFD.Component(rep.ComponentRef); ok {
			component, known = c, true
		}
	}
	sensitivity := model.SensitivityInternal
	crosses := false
	if known {
		sensitivity = env.DFD.Sensitivity(component)
		crosses = env.DFD.CrossesBoundary(component)
	}

	confidence := min(max(rep.RawConfidence, 0), 1)
	exploitability := rateExploitability(intel, confidence, e.confident, e.now())
	maturity := Maturity(intel, rep.Description, rep.References)
	impact := Impact(rep.StrideCategory, sensitivity, crosses)
	likelihood := Likelihood(exploitability, maturity, crosses || exposed(component))
	score := Score(impact, likelihood)
	controls := e.mapping.Mitigating(env.Controls, rep.ComponentRef, rep.StrideCategory)
	residual := Residual(score, len(controls), e.residual)

	industry, prof := profileFor(env.Industry)
	data := statementData{
		Component:      component.DisplayName(),
		Category:       rep.StrideCategory,
		Description:    lowerFirst(rep.Description),
		Impact:         impact.String(),
		Likelihood:     likelihood.String(),
		Exploitability: exploitability.String(),
		Maturity:       string(maturity),
		Risk:           score.String(),
		Residual:       residual.String(),
		Sensitivity:    string(sensitivity),
		Crosses:        crosses,
		KEV:            strings.Join(kevIDs(intel), ", "),
		CVEs:           strings.Join(rep.CVEs, ", "),
		Controls:       strings.Join(controls, ", "),
		Framework:      prof.Framework,
		Requirement:    prof.Requirements[rep.StrideCategory],
	}

	references := rep.References
	if references == nil {
		references = []string{}
	}
	t := model.EnrichedThreat{
		ID:                 ThreatID(rep),
		ComponentRef:       rep.ComponentRef,
		ComponentName:      component.DisplayName(),
		StrideCategory:     rep.StrideCategory,
		Description:        rep.Description,
		Impact:             impact,
		Likelihood:         likelihood,
		Exploitability:     exploitability,
		Maturity:           maturity,
		RiskScore:          score,
		ResidualRisk:       residual,
		Justification:      render(justificationTmpl, data),
		RiskStatement:      render(statementTmpls[industry], data),
		References:         references,
		CVEs:               rep.CVEs,
		MitigatingControls: controls,
		MergedFrom:         append([]string(nil), cluster.MemberRefs...),
		Confidence:         confidence,
	}
	if lookupErr != nil {
		e.logger.Warn("risk: degraded intel for %s: %v", t.ID, lookupErr)
	}
	return t, lookupErr
}

// ThreatID derives a stable catalog id from component, category and
// description.
func ThreatID(c model.ThreatCandidate) string {
	fp := fingerprint.GenerateThreat(c.ComponentRef, string(c.StrideCategory), c.Description)
	return "TH-" + strings.ToUpper(fingerprint.Short(fp))
}

func lookupAll(ctx context.Context, src core.IntelSource, cves []string) ([]model.Intel, error) {
	if src == nil || len(cves) == 0 {
		return nil, nil
	}
	out := make([]model.Intel, 0, len(cves))
	var errs []error
	for _, id := range cves {
		in, err := src.Lookup(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		out = append(out, in)
	}
	return out, stderrors.Join(errs...)
}

func kevIDs(intel []model.Intel) []string {
	var ids []string
	for _, in := range intel {
		if in.InKEV() {
			ids = append(ids, in.CVE)
		}
	}
	return ids
}

// exposed reports whether the element faces untrusted callers.
func exposed(c model.DFDComponent) bool {
	if c.Kind == model.KindEntity {
		return true
	}
	switch strings.ToLower(c.Attr("exposure")) {
	case "internet", "public", "external", "internet_facing":
		return true
	}
	return false
}

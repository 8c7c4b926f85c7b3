// Package suppression applies the ordered, deterministic suppression rules
// to threat candidates.
//
// Rules are evaluated in the order of model.AllSuppressionRules: a control
// mapped to the candidate's STRIDE category, then the vulnerability age
// filter. The KEV override runs last and reverses either of them when a
// referenced CVE is known to be exploited. Feed failures never abort a
// decision; they only leave the exploitation status unknown.
package suppression

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/model"
)

// DefaultMaxAge is the CVE age beyond which unexploited CVEs are filtered.
const DefaultMaxAge = 5 * 365 * 24 * time.Hour

// Config configures the engine.
type Config struct {
	// CVE age threshold (default DefaultMaxAge)
	MaxAge time.Duration

	// Control vocabulary (default DefaultMapping)
	Mapping Mapping

	// Clock used for CVE age (default time.Now)
	Now func() time.Time

	Logger core.Logger
}

// Engine evaluates suppression rules. It holds no per-run state.
type Engine struct {
	maxAge  time.Duration
	mapping Mapping
	now     func() time.Time
	logger  core.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Mapping == nil {
		cfg.Mapping = DefaultMapping()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		maxAge:  cfg.MaxAge,
		mapping: cfg.Mapping,
		now:     cfg.Now,
		logger:  core.OrNop(cfg.Logger),
	}
}

// Mapping returns the control vocabulary in use.
func (e *Engine) Mapping() Mapping {
	return e.mapping
}

// Apply decides whether the candidate is suppressed. The decision is always
// usable; the returned error only reports feed lookups that degraded it.
func (e *Engine) Apply(ctx context.Context, c model.ThreatCandidate, controls *model.ControlSet, intel core.IntelSource) (model.SuppressionDecision, error) {
	d := model.SuppressionDecision{CandidateRef: c.ID, Exploitation: model.ExploitationNone}

	records, lookupErr := e.lookup(ctx, c.CVEs, intel)
	d.Exploitation = exploitation(records)

	for _, rule := range model.AllSuppressionRules() {
		e.evaluate(rule, c, controls, records, &d)
	}

	if lookupErr != nil {
		e.logger.Warn("suppression: degraded intel for %s: %v", c.ID, lookupErr)
	}
	return d, lookupErr
}

// evaluate applies one rule to d. The first suppressing rule wins; the KEV
// override only acts on a candidate already suppressed.
func (e *Engine) evaluate(rule model.SuppressionRule, c model.ThreatCandidate, controls *model.ControlSet, records []model.Intel, d *model.SuppressionDecision) {
	switch rule {
	case model.RuleControlMapped:
		if d.Suppressed {
			return
		}
		if names := e.mapping.Mitigating(controls, c.ComponentRef, c.StrideCategory); len(names) > 0 {
			d.Suppressed = true
			d.RuleID = rule
			d.Reason = fmt.Sprintf("implemented control %s mitigates %s on %s",
				strings.Join(names, ", "), c.StrideCategory, c.ComponentRef)
		}
	case model.RuleVulnerabilityAge:
		if d.Suppressed {
			return
		}
		if reason, ok := e.tooOld(records); ok {
			d.Suppressed = true
			d.RuleID = rule
			d.Reason = reason
		}
	case model.RuleKEVOverride:
		if kev := knownExploited(records); len(kev) > 0 && d.Suppressed {
			d.Reason = fmt.Sprintf("%s listed in the KEV catalog, overrides %s", strings.Join(kev, ", "), d.RuleID)
			d.Suppressed = false
			d.RuleID = rule
		}
	}
}

func (e *Engine) lookup(ctx context.Context, cves []string, intel core.IntelSource) ([]model.Intel, error) {
	if len(cves) == 0 {
		return nil, nil
	}
	records := make([]model.Intel, 0, len(cves))
	var errs []error
	for _, id := range cves {
		if intel == nil {
			records = append(records, model.Intel{CVE: id, Exploitation: model.ExploitationUnknown})
			continue
		}
		rec, err := intel.Lookup(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		if rec.CVE == "" {
			rec.CVE = id
		}
		if rec.Exploitation == "" {
			rec.Exploitation = model.ExploitationUnknown
		}
		records = append(records, rec)
	}
	return records, stderrors.Join(errs...)
}

// tooOld reports whether every referenced CVE is older than the threshold
// and none is known to be exploited.
func (e *Engine) tooOld(records []model.Intel) (string, bool) {
	if len(records) == 0 || len(knownExploited(records)) > 0 {
		return "", false
	}
	now := e.now()
	first := ""
	for _, r := range records {
		published, ok := r.PublishedOrYear()
		if !ok || now.Sub(published) <= e.maxAge {
			return "", false
		}
		if first == "" {
			first = published.Format("2006-01-02")
		}
	}
	years := int(e.maxAge.Hours() / 24 / 365)
	return fmt.Sprintf("all referenced CVEs are older than %d years (first published %s) with no known exploitation", years, first), true
}

func knownExploited(records []model.Intel) []string {
	var ids []string
	for _, r := range records {
		if r.InKEV() {
			ids = append(ids, r.CVE)
		}
	}
	return ids
}

// exploitation folds per-CVE statuses: known wins over unknown, unknown
// wins over none.
func exploitation(records []model.Intel) model.ExploitationStatus {
	status := model.ExploitationNone
	for _, r := range records {
		switch r.Exploitation {
		case model.ExploitationKnown:
			return model.ExploitationKnown
		case model.ExploitationUnknown:
			status = model.ExploitationUnknown
		}
	}
	return status
}

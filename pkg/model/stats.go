package model

import (
	"sort"
	"sync"
	"time"

	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/shared/severity"
)

// Drop stages recorded in the drop log.
const (
	StageGeneration  = "generation"
	StageImport      = "import"
	StageSuppression = "suppression"
	StageValidation  = "validation"
)

// DropRecord explains why a unit or record did not reach the catalog.
type DropRecord struct {
	Ref    string `json:"ref"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
	Kind   string `json:"kind,omitempty"`
}

// RunStatistics accumulates counters for one run. It is created per run,
// passed explicitly to every stage and safe for concurrent use.
type RunStatistics struct {
	mu sync.Mutex

	runID      string
	startedAt  time.Time
	finishedAt time.Time
	partial    bool

	generated    int
	imported     int
	units          int
	unitsFailed    int
	unitsSkipped   int
	unitsAbandoned int

	suppressed   map[SuppressionRule]int
	kevOverrides int

	survivors int
	clusters  int
	merged    int
	final     int
	risk      severity.CountByLevel

	errs  map[errors.Kind]int
	drops []DropRecord
}

// NewRunStatistics starts a statistics context.
func NewRunStatistics(runID string, startedAt time.Time) *RunStatistics {
	return &RunStatistics{
		runID:      runID,
		startedAt:  startedAt,
		suppressed: make(map[SuppressionRule]int),
		errs:       make(map[errors.Kind]int),
	}
}

// RunID returns the run identifier.
func (s *RunStatistics) RunID() string {
	return s.runID
}

// AddCandidates counts candidates by origin.
func (s *RunStatistics) AddCandidates(origin Origin, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if origin == OriginImport {
		s.imported += n
	} else {
		s.generated += n
	}
}

// AddUnit counts one scheduled (component, category) generation unit.
func (s *RunStatistics) AddUnit() {
	s.mu.Lock()
	s.units++
	s.mu.Unlock()
}

// UnitFailed records a unit whose backend call failed after retries.
func (s *RunStatistics) UnitFailed(ref string, err error) {
	kind := errors.Classify(err)
	if kind == errors.KindUnknown {
		kind = errors.KindTransientNetwork
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitsFailed++
	s.errs[kind]++
	s.drops = append(s.drops, DropRecord{Ref: ref, Stage: StageGeneration, Reason: errString(err), Kind: kind.String()})
}

// UnitSkipped records a unit whose backend output could not be parsed.
func (s *RunStatistics) UnitSkipped(ref string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitsSkipped++
	s.errs[errors.KindParse]++
	s.drops = append(s.drops, DropRecord{Ref: ref, Stage: StageGeneration, Reason: errString(err), Kind: errors.KindParse.String()})
}

// UnitAbandoned records a unit that never reached the backend because the
// run was cut short; cause is the run context's error.
func (s *RunStatistics) UnitAbandoned(ref string, cause error) {
	kind := errors.Classify(cause)
	reason := "not started: run cancelled"
	if kind == errors.KindTimeout {
		reason = "not started: batch budget exceeded"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units++
	s.unitsAbandoned++
	s.errs[kind]++
	s.drops = append(s.drops, DropRecord{Ref: ref, Stage: StageGeneration, Reason: reason, Kind: kind.String()})
}

// RecordError tallies a degraded, non-dropping failure (e.g. a feed lookup).
func (s *RunStatistics) RecordError(err error) {
	if err == nil {
		return
	}
	kind := errors.Classify(err)
	if kind == errors.KindUnknown {
		kind = errors.KindTransientNetwork
	}
	s.mu.Lock()
	s.errs[kind]++
	s.mu.Unlock()
}

// Drop records an input row or record excluded at a stage.
func (s *RunStatistics) Drop(ref, stage string, kind errors.Kind, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[kind]++
	s.drops = append(s.drops, DropRecord{Ref: ref, Stage: stage, Reason: reason, Kind: kind.String()})
}

// RecordDecision counts a suppression decision.
func (s *RunStatistics) RecordDecision(d SuppressionDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case d.Suppressed:
		s.suppressed[d.RuleID]++
		s.drops = append(s.drops, DropRecord{Ref: d.CandidateRef, Stage: StageSuppression, Reason: d.Reason, Kind: string(d.RuleID)})
	case d.RuleID == RuleKEVOverride:
		s.kevOverrides++
		s.survivors++
	default:
		s.survivors++
	}
}

// SetClusters records the deduplication outcome.
func (s *RunStatistics) SetClusters(clusters []ThreatCluster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters = len(clusters)
	s.merged = 0
	for _, c := range clusters {
		s.merged += c.Size() - 1
	}
}

// SetFinal records the emitted catalog.
func (s *RunStatistics) SetFinal(threats []EnrichedThreat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = len(threats)
	s.risk = severity.CountByLevel{}
	for _, t := range threats {
		s.risk.Increment(t.RiskScore)
	}
}

// MarkPartial flags that the batch budget cut generation short.
func (s *RunStatistics) MarkPartial() {
	s.mu.Lock()
	s.partial = true
	s.mu.Unlock()
}

// Finish stamps the end of the run.
func (s *RunStatistics) Finish(at time.Time) {
	s.mu.Lock()
	s.finishedAt = at
	s.mu.Unlock()
}

// CandidateCounts is the candidate section of the summary.
type CandidateCounts struct {
	Generated int `json:"generated"`
	Imported  int `json:"imported"`
	Total     int `json:"total"`
}

// UnitCounts is the generation-unit section of the summary.
type UnitCounts struct {
	Total        int `json:"total"`
	Failed       int `json:"failed"`
	SkippedParse int `json:"skipped_parse"`
	Abandoned    int `json:"abandoned"`
}

// SuppressionCounts is the suppression section of the summary.
type SuppressionCounts struct {
	Total        int            `json:"total"`
	ByRule       map[string]int `json:"by_rule"`
	KEVOverrides int            `json:"kev_overrides"`
}

// Summary is the serialized form of RunStatistics (refinement_summary.json).
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
	Partial    bool      `json:"partial"`

	Candidates  CandidateCounts       `json:"candidates"`
	Units       UnitCounts            `json:"units"`
	Suppression SuppressionCounts     `json:"suppression"`
	Survivors   int                   `json:"survivors"`
	Clusters    int                   `json:"clusters"`
	Merged      int                   `json:"merged"`
	Final       int                   `json:"final"`
	Risk        severity.CountByLevel `json:"risk_distribution"`

	Errors map[string]int `json:"errors"`
	Drops  []DropRecord   `json:"drops"`
}

// Snapshot returns a consistent copy of the counters.
func (s *RunStatistics) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		RunID:      s.runID,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
		Partial:    s.partial,
		Candidates: CandidateCounts{
			Generated: s.generated,
			Imported:  s.imported,
			Total:     s.generated + s.imported,
		},
		Units: UnitCounts{
			Total:        s.units,
			Failed:       s.unitsFailed,
			SkippedParse: s.unitsSkipped,
			Abandoned:    s.unitsAbandoned,
		},
		Suppression: SuppressionCounts{
			ByRule:       make(map[string]int, len(s.suppressed)),
			KEVOverrides: s.kevOverrides,
		},
		Survivors: s.survivors,
		Clusters:  s.clusters,
		Merged:    s.merged,
		Final:     s.final,
		Risk:      s.risk,
		Errors:    make(map[string]int, len(s.errs)),
		Drops:     append([]DropRecord{}, s.drops...),
	}
	if !s.finishedAt.IsZero() {
		sum.DurationMs = s.finishedAt.Sub(s.startedAt).Milliseconds()
	}
	for rule, n := range s.suppressed {
		sum.Suppression.ByRule[string(rule)] = n
		sum.Suppression.Total += n
	}
	for kind, n := range s.errs {
		sum.Errors[kind.String()] = n
	}
	sort.SliceStable(sum.Drops, func(i, j int) bool {
		if sum.Drops[i].Stage != sum.Drops[j].Stage {
			return sum.Drops[i].Stage < sum.Drops[j].Stage
		}
		return sum.Drops[i].Ref < sum.Drops[j].Ref
	})
	return sum
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

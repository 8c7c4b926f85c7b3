// Package pipeline runs one refinement batch: candidates are generated and
// imported, standardized, filtered by the suppression rules, clustered,
// enriched with risk and written out.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/exploopio/threatrefine/pkg/audit"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/dedup"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/generation"
	"github.com/exploopio/threatrefine/pkg/metrics"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/output"
	"github.com/exploopio/threatrefine/pkg/risk"
	"github.com/exploopio/threatrefine/pkg/standardize"
	"github.com/exploopio/threatrefine/pkg/suppression"
)

// Prefetcher warms the intel cache before the per-candidate lookups.
type Prefetcher interface {
	Prefetch(ctx context.Context, cves []string)
}

// TextfileWriter flushes metrics after the run (PrometheusCollector).
type TextfileWriter interface {
	WriteTextfile(path string) error
}

// Config wires the stages of a run. Nil stages get their defaults; a nil
// Pool runs on imported candidates only.
type Config struct {
	Pool       *generation.Pool
	Categories []model.StrideCategory

	// Vulnerability intel for suppression and risk (nil: all lookups unknown)
	Intel core.IntelSource

	// NameThreshold for component name standardization
	NameThreshold float64

	Suppression *suppression.Engine
	Dedup       *dedup.Deduplicator
	Risk        *risk.Enricher
	Assembler   *output.Assembler
	Industry    model.Industry

	// History receives the final catalog (nil: no write-back)
	History core.HistoryIndex

	// OutputDir receives refined_threats.json and refinement_summary.json;
	// empty skips writing.
	OutputDir string

	// MetricsFile is written from Textfile after the run when both are set.
	MetricsFile string
	Textfile    TextfileWriter

	RunID   string
	Now     func() time.Time
	Logger  core.Logger
	Metrics metrics.Collector
	Audit   audit.Recorder
	Tracer  trace.Tracer
}

// Result is the outcome of a run.
type Result struct {
	Catalog []model.EnrichedThreat
	Summary model.Summary
}

// Pipeline runs refinement batches. It holds no per-run state, so Run may
// be called repeatedly.
type Pipeline struct {
	config  Config
	logger  core.Logger
	metrics metrics.Collector
	audit   audit.Recorder
	tracer  trace.Tracer
}

// New creates a pipeline, filling in default stages.
func New(cfg Config) *Pipeline {
	if len(cfg.Categories) == 0 {
		cfg.Categories = model.AllStrideCategories()
	}
	if cfg.NameThreshold <= 0 {
		cfg.NameThreshold = standardize.DefaultThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Suppression == nil {
		cfg.Suppression = suppression.New(suppression.Config{Logger: cfg.Logger})
	}
	if cfg.Dedup == nil {
		cfg.Dedup = dedup.New(dedup.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Risk == nil {
		cfg.Risk = risk.New(risk.Config{Mapping: cfg.Suppression.Mapping(), Logger: cfg.Logger})
	}
	if cfg.Assembler == nil {
		cfg.Assembler = output.NewAssembler(output.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Industry == "" {
		cfg.Industry = model.IndustryGeneric
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/exploopio/threatrefine/pkg/pipeline")
	}
	return &Pipeline{
		config:  cfg,
		logger:  core.OrNop(cfg.Logger),
		metrics: metrics.OrNop(cfg.Metrics),
		audit:   audit.OrNop(cfg.Audit),
		tracer:  cfg.Tracer,
	}
}

// Run executes one batch. Only malformed inputs and output write failures
// return an error; every other failure degrades the run and is reported in
// the summary.
func (p *Pipeline) Run(ctx context.Context, in *Inputs) (*Result, error) {
	if in == nil || in.DFD == nil {
		return nil, errors.Configuration("pipeline.Run", "a DFD is required")
	}
	controls := in.Controls
	if controls == nil {
		controls = model.NewControlSet()
	}

	runID := p.config.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	start := p.config.Now()
	stats := model.NewRunStatistics(runID, start)

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	imported, err := ParseImported(in.Threats, stats, p.audit)
	if err != nil {
		p.audit.Log(audit.RunFailed(err))
		return nil, err
	}
	components := in.DFD.All()
	p.audit.Log(audit.RunStarted(len(components), len(p.config.Categories), len(imported)))
	p.logger.Info("run %s: %d components, %d categories, %d imported candidates",
		runID, len(components), len(p.config.Categories), len(imported))

	candidates := p.generate(ctx, components, in.DFD, stats)
	candidates = append(candidates, imported...)

	candidates = p.standardize(ctx, candidates, in.DFD)
	survivors := p.suppress(ctx, candidates, controls, stats)
	clusters := p.cluster(ctx, survivors, stats)
	threats := p.enrich(ctx, clusters, risk.Environment{
		DFD:      in.DFD,
		Controls: controls,
		Industry: p.config.Industry,
		Intel:    p.config.Intel,
	}, stats)

	stats.Finish(p.config.Now())
	catalog, summary := p.assemble(threats, stats)

	if p.config.OutputDir != "" {
		if err := output.Write(p.config.OutputDir, catalog, summary); err != nil {
			err = errors.E(errors.KindInternal, "pipeline.Run", "write outputs", err)
			p.audit.Log(audit.RunFailed(err))
			return nil, err
		}
	}
	p.writeBack(ctx, catalog)

	p.metrics.GaugeSet(metrics.RunDurationSeconds.Name, float64(summary.DurationMs)/1000)
	if p.config.MetricsFile != "" && p.config.Textfile != nil {
		if err := p.config.Textfile.WriteTextfile(p.config.MetricsFile); err != nil {
			p.logger.Warn("run %s: %v", runID, err)
		}
	}
	p.audit.Log(audit.RunCompleted(summary))
	p.logger.Info("run %s: %d candidates, %d suppressed, %d clusters, %d threats (partial=%t)",
		runID, summary.Candidates.Total, summary.Suppression.Total, summary.Clusters, summary.Final, summary.Partial)

	return &Result{Catalog: catalog, Summary: summary}, nil
}

func (p *Pipeline) generate(ctx context.Context, components []model.DFDComponent, dfd *model.DFD, stats *model.RunStatistics) []model.ThreatCandidate {
	if p.config.Pool == nil {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.generate")
	defer span.End()

	var out []model.ThreatCandidate
	for c := range p.config.Pool.Generate(ctx, components, p.config.Categories, generation.RunContext{DFD: dfd, Stats: stats}) {
		out = append(out, c)
	}
	span.SetAttributes(attribute.Int("candidates", len(out)))
	return out
}

func (p *Pipeline) standardize(ctx context.Context, candidates []model.ThreatCandidate, dfd *model.DFD) []model.ThreatCandidate {
	_, span := p.tracer.Start(ctx, "pipeline.standardize")
	defer span.End()

	std := standardize.New(dfd.Names(), p.config.NameThreshold)
	fuzzy, kept, fallback := 0, 0, 0
	for i := range candidates {
		var kind standardize.MatchKind
		candidates[i], kind = std.Apply(candidates[i])
		switch kind {
		case standardize.MatchFuzzy:
			fuzzy++
		case standardize.MatchKept:
			kept++
		case standardize.MatchFallback:
			fallback++
			p.logger.Debug("standardize: no DFD element matches %q", candidates[i].ComponentName)
		}
	}
	if fuzzy+kept+fallback > 0 {
		p.logger.Info("standardize: %d fuzzy matches, %d unit refs kept, %d unmatched names", fuzzy, kept, fallback)
	}
	return candidates
}

func (p *Pipeline) suppress(ctx context.Context, candidates []model.ThreatCandidate, controls *model.ControlSet, stats *model.RunStatistics) []model.ThreatCandidate {
	ctx, span := p.tracer.Start(ctx, "pipeline.suppress")
	defer span.End()

	if pf, ok := p.config.Intel.(Prefetcher); ok {
		var cves []string
		for _, c := range candidates {
			cves = append(cves, c.CVEs...)
		}
		pf.Prefetch(ctx, model.UnionStrings(cves))
	}

	survivors := make([]model.ThreatCandidate, 0, len(candidates))
	for _, c := range candidates {
		d, err := p.config.Suppression.Apply(ctx, c, controls, p.config.Intel)
		if err != nil {
			stats.RecordError(err)
			p.logger.Debug("suppression: %s: %v", c.ID, err)
		}
		stats.RecordDecision(d)
		if ev, ok := audit.Decision(d); ok {
			p.audit.Log(ev)
		}
		switch {
		case d.Suppressed:
			p.metrics.CounterInc(metrics.SuppressionsTotal.Name, "rule", string(d.RuleID))
			continue
		case d.RuleID == model.RuleKEVOverride:
			p.metrics.CounterInc(metrics.KEVOverridesTotal.Name)
		}
		survivors = append(survivors, c)
	}
	span.SetAttributes(attribute.Int("survivors", len(survivors)))
	return survivors
}

func (p *Pipeline) cluster(ctx context.Context, survivors []model.ThreatCandidate, stats *model.RunStatistics) []model.ThreatCluster {
	ctx, span := p.tracer.Start(ctx, "pipeline.deduplicate")
	defer span.End()

	clusters := p.config.Dedup.Deduplicate(ctx, survivors, stats)
	for _, c := range clusters {
		if c.Size() > 1 {
			p.audit.Log(audit.ClusterMerged(c))
		}
	}
	span.SetAttributes(attribute.Int("clusters", len(clusters)))
	return clusters
}

func (p *Pipeline) enrich(ctx context.Context, clusters []model.ThreatCluster, env risk.Environment, stats *model.RunStatistics) []model.EnrichedThreat {
	ctx, span := p.tracer.Start(ctx, "pipeline.enrich")
	defer span.End()

	threats := make([]model.EnrichedThreat, 0, len(clusters))
	for _, c := range clusters {
		t, err := p.config.Risk.Enrich(ctx, c, env)
		if err != nil {
			stats.RecordError(err)
			p.logger.Debug("risk: %s degraded: %v", c.Representative.ID, err)
		}
		threats = append(threats, t)
	}
	return threats
}

func (p *Pipeline) assemble(threats []model.EnrichedThreat, stats *model.RunStatistics) ([]model.EnrichedThreat, model.Summary) {
	catalog, summary := p.config.Assembler.Assemble(threats, stats)
	if len(catalog) < len(threats) {
		kept := make(map[string]struct{}, len(catalog))
		for _, t := range catalog {
			kept[t.ID] = struct{}{}
		}
		for _, t := range threats {
			if _, ok := kept[t.ID]; !ok {
				p.audit.Log(audit.ThreatDropped(t.ID, p.config.Assembler.Validate(t)))
			}
		}
	}
	return catalog, summary
}

// writeBack feeds the catalog to the history index for later runs. It
// fails soft: the outputs are already written.
func (p *Pipeline) writeBack(ctx context.Context, catalog []model.EnrichedThreat) {
	if p.config.History == nil || len(catalog) == 0 {
		return
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.index")
	defer span.End()
	if err := p.config.History.Index(ctx, catalog); err != nil {
		span.RecordError(err)
		p.logger.Warn("history: index %d threats: %v", len(catalog), err)
	}
}

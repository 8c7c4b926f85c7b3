// Package generation runs the bounded worker pool that queries the
// generative backend once per (component, STRIDE category) unit and parses
// the answers into threat candidates.
package generation

import (
	"context"
	stderrors "errors"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/exploopio/threatrefine/pkg/audit"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/metrics"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/retry"
	"github.com/exploopio/threatrefine/pkg/webctx"
)

// Defaults.
const (
	DefaultConcurrency    = 4
	DefaultCallTimeout    = 60 * time.Second
	DefaultContextTimeout = 10 * time.Second
	DefaultHistoryK       = 5
)

// Config configures the pool.
type Config struct {
	// Generator is the generative backend (required).
	Generator core.Generator

	// Retriever supplies prior threats; nil disables retrieval.
	Retriever core.ContextRetriever

	// Searcher supplies web snippets; nil disables web context.
	Searcher core.WebSearcher

	// Concurrency is the number of units in flight.
	// Default: 4
	Concurrency int

	// CallTimeout bounds each backend attempt.
	// Default: 60 seconds
	CallTimeout time.Duration

	// ContextTimeout bounds each retrieval and web lookup.
	// Default: 10 seconds
	ContextTimeout time.Duration

	// MaxAttempts bounds backend attempts per unit, transient errors only.
	// Default: retry.DefaultMaxAttempts
	MaxAttempts int

	// Backoff between attempts.
	// Default: retry.DefaultBackoffConfig()
	Backoff *retry.BackoffConfig

	// RatePerSecond caps backend calls across workers; 0 means unlimited.
	RatePerSecond float64

	// Burst is the limiter burst size.
	// Default: Concurrency
	Burst int

	// Budget is the wall-clock ceiling of one Generate run; 0 means none.
	Budget time.Duration

	// HistoryK is the number of prior threats requested per unit.
	// Default: 5
	HistoryK int

	// Temperature passed to the backend.
	Temperature float32

	Logger  core.Logger
	Metrics metrics.Collector
	Audit   audit.Recorder
	Tracer  trace.Tracer
}

// RunContext carries the per-run inputs shared by every unit.
type RunContext struct {
	// DFD gives neighbouring flows and boundaries; may be nil.
	DFD *model.DFD

	// Stats receives unit counts and failures.
	Stats *model.RunStatistics
}

// Pool schedules generation units. A Pool holds configuration only; each
// Generate call builds its own workers, limiter and budget.
type Pool struct {
	config  Config
	logger  core.Logger
	metrics metrics.Collector
	audit   audit.Recorder
	tracer  trace.Tracer
}

// New creates a pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Generator == nil {
		return nil, errors.Configuration("generation.New", "a generative backend is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = DefaultContextTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = retry.DefaultMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultBackoffConfig()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Concurrency
	}
	if cfg.HistoryK <= 0 {
		cfg.HistoryK = DefaultHistoryK
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/exploopio/threatrefine/pkg/generation")
	}
	return &Pool{
		config:  cfg,
		logger:  core.OrNop(cfg.Logger),
		metrics: metrics.OrNop(cfg.Metrics),
		audit:   audit.OrNop(cfg.Audit),
		tracer:  cfg.Tracer,
	}, nil
}

// Units expands components × categories in input order.
func Units(components []model.DFDComponent, categories []model.StrideCategory) []Unit {
	units := make([]Unit, 0, len(components)*len(categories))
	for _, c := range components {
		for _, cat := range categories {
			units = append(units, Unit{Component: c, Category: cat})
		}
	}
	return units
}

// Generate returns a lazy sequence of candidates. Every range over the
// sequence runs all units again with a fresh budget; arrival order is not
// specified. When the budget expires, units not yet started are abandoned,
// in-flight calls are cancelled and the run is marked partial, while
// candidates already parsed are still yielded. Breaking out of the range
// cancels the remaining work.
func (p *Pool) Generate(ctx context.Context, components []model.DFDComponent, categories []model.StrideCategory, rc RunContext) iter.Seq[model.ThreatCandidate] {
	units := Units(components, categories)
	return func(yield func(model.ThreatCandidate) bool) {
		stats := rc.Stats
		if stats == nil {
			stats = model.NewRunStatistics("", time.Now())
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if p.config.Budget > 0 {
			var cancelBudget context.CancelFunc
			runCtx, cancelBudget = context.WithTimeout(runCtx, p.config.Budget)
			defer cancelBudget()
		}

		limit := rate.Inf
		if p.config.RatePerSecond > 0 {
			limit = rate.Limit(p.config.RatePerSecond)
		}
		limiter := rate.NewLimiter(limit, p.config.Burst)

		// started[i] is written by the one worker that takes unit i and read
		// after all workers exit.
		started := make([]bool, len(units))
		queue := make(chan int)
		out := make(chan model.ThreatCandidate, p.config.Concurrency)

		go func() {
			defer close(queue)
			for i := range units {
				select {
				case queue <- i:
				case <-runCtx.Done():
					return
				}
			}
		}()

		var wg sync.WaitGroup
		for i := 0; i < p.config.Concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for idx := range queue {
					if runCtx.Err() != nil {
						continue
					}
					started[idx] = true
					for _, c := range p.runUnit(runCtx, units[idx], rc.DFD, stats, limiter) {
						out <- c
					}
				}
			}()
		}
		go func() {
			wg.Wait()
			close(out)
		}()

		stopped := false
		for c := range out {
			if stopped {
				continue
			}
			if !yield(c) {
				stopped = true
				cancel()
			}
		}

		if stopped {
			return
		}
		abandoned := 0
		if cause := runCtx.Err(); cause != nil {
			for i, u := range units {
				if !started[i] {
					stats.UnitAbandoned(u.Ref(), cause)
					abandoned++
				}
			}
		}
		if ctx.Err() == nil && stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
			stats.MarkPartial()
			p.metrics.GaugeSet(metrics.RunPartial.Name, 1)
			p.audit.Log(audit.BudgetExceeded(p.config.Budget, abandoned))
			p.logger.Warn("generation: budget of %s exceeded, %d units abandoned, continuing with partial results",
				p.config.Budget, abandoned)
		}
	}
}

// runUnit processes one unit and never fails: backend errors and
// unparseable output are recorded in stats and yield no candidates.
func (p *Pool) runUnit(ctx context.Context, u Unit, dfd *model.DFD, stats *model.RunStatistics, limiter *rate.Limiter) []model.ThreatCandidate {
	backend := p.config.Generator.Name()
	ctx, span := p.tracer.Start(ctx, "generation.unit", trace.WithAttributes(
		attribute.String("component", u.Component.ID),
		attribute.String("stride_category", u.Category.String()),
		attribute.String("backend", backend),
	))
	defer span.End()

	stats.AddUnit()
	ref := u.Ref()

	prior := p.retrieve(ctx, u)
	snippets := p.search(ctx, u)
	req := BuildPrompt(u, dfd, prior, snippets)
	req.Temperature = p.config.Temperature

	var resp *core.GenerationResponse
	err := retry.Do(ctx, p.config.Backoff, p.config.MaxAttempts, func(ctx context.Context) error {
		if err := limiter.Wait(ctx); err != nil {
			return errors.E(errors.KindTimeout, "generation.wait", err)
		}
		r, err := p.call(ctx, req, backend)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(err error, wait time.Duration) {
		p.metrics.CounterInc(metrics.GenerationRetriesTotal.Name)
		p.logger.Debug("generation: %s retrying in %s: %v", ref, wait, err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.CounterInc(metrics.GenerationCallsTotal.Name, "backend", backend, "status", "failed")
		stats.UnitFailed(ref, err)
		p.audit.Log(audit.UnitFailed(ref, err))
		p.logger.Warn("generation: unit %s failed: %v", ref, err)
		return nil
	}

	candidates, err := Parse(resp.Content, u, resp.CallID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unparseable response")
		p.metrics.CounterInc(metrics.GenerationCallsTotal.Name, "backend", backend, "status", "skipped")
		stats.UnitSkipped(ref, err)
		p.audit.Log(audit.UnitSkipped(ref, err))
		p.logger.Warn("generation: unit %s skipped: %v", ref, err)
		return nil
	}

	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	p.metrics.CounterInc(metrics.GenerationCallsTotal.Name, "backend", backend, "status", "ok")
	p.metrics.CounterAdd(metrics.CandidatesTotal.Name, float64(len(candidates)), "origin", string(model.OriginGeneration))
	stats.AddCandidates(model.OriginGeneration, len(candidates))
	p.logger.Debug("generation: unit %s produced %d candidates", ref, len(candidates))
	return candidates
}

// call performs one backend attempt under the per-call timeout.
func (p *Pool) call(ctx context.Context, req core.GenerationRequest, backend string) (*core.GenerationResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
	defer cancel()

	p.metrics.GaugeInc(metrics.GenerationInFlight.Name)
	defer p.metrics.GaugeDec(metrics.GenerationInFlight.Name)
	timer := metrics.NewTimer(p.metrics, metrics.GenerationCallDuration.Name, "backend", backend)
	defer timer.ObserveDuration()

	resp, err := p.config.Generator.Generate(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && stderrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.E(errors.KindTimeout, "generation.call", "backend call timed out", err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, errors.ErrEmptyResponse
	}
	return resp, nil
}

func (p *Pool) retrieve(ctx context.Context, u Unit) []core.PriorThreat {
	if p.config.Retriever == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.ContextTimeout)
	defer cancel()
	prior, err := p.config.Retriever.Retrieve(ctx, u.Component, u.Category, p.config.HistoryK)
	if err != nil {
		p.logger.Debug("generation: retrieval for %s failed: %v", u.Ref(), err)
		return nil
	}
	return prior
}

func (p *Pool) search(ctx context.Context, u Unit) []core.Snippet {
	if p.config.Searcher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.ContextTimeout)
	defer cancel()
	snippets, err := p.config.Searcher.Search(ctx, webctx.Query(u.Component, u.Category))
	if err != nil {
		p.logger.Debug("generation: web search for %s failed: %v", u.Ref(), err)
		return nil
	}
	return snippets
}

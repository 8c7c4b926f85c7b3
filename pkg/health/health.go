// Package health runs preflight checks before a refinement batch. Checks
// cover the backends a run depends on: output disk space, the cache and
// history stores, the vulnerability feeds and the generative endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// =============================================================================
// Check Interface
// =============================================================================

// Checker is the interface for preflight checks.
type Checker interface {
	// Name returns the check name.
	Name() string

	// Check performs the check.
	Check(ctx context.Context) Result
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) Result

func (f CheckFunc) Name() string                     { return "func" }
func (f CheckFunc) Check(ctx context.Context) Result { return f(ctx) }

// =============================================================================
// Status Types
// =============================================================================

// Status represents the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result holds the result of a check.
type Result struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ms"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// failed returns unhealthy, or degraded when the dependency is optional.
func failed(optional bool, err error) Result {
	if optional {
		return Result{Status: StatusDegraded, Error: err.Error()}
	}
	return Result{Status: StatusUnhealthy, Error: err.Error()}
}

// Report is the outcome of a preflight run.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]Result `json:"checks"`
}

// Names returns the check names in sorted order.
func (r Report) Names() []string {
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Healthy reports whether a run can start. Degraded dependencies do not
// block a run.
func (r Report) Healthy() bool {
	return r.Status != StatusUnhealthy
}

// =============================================================================
// Runner
// =============================================================================

// Runner holds registered checks and runs them concurrently.
type Runner struct {
	mu      sync.RWMutex
	checks  map[string]Checker
	timeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds the whole preflight run.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewRunner creates a runner with no checks.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		checks:  make(map[string]Checker),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a check under name, replacing any check of the same name.
func (r *Runner) Register(name string, checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = checker
}

// RegisterFunc adds a check function.
func (r *Runner) RegisterFunc(name string, fn func(ctx context.Context) Result) {
	r.Register(name, CheckFunc(fn))
}

// Len returns the number of registered checks.
func (r *Runner) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.checks)
}

// Run executes every check. The report is unhealthy when any check is,
// degraded when any check is degraded and healthy otherwise.
func (r *Runner) Run(ctx context.Context) Report {
	r.mu.RLock()
	checks := make(map[string]Checker, len(r.checks))
	for name, c := range r.checks {
		checks[name] = c
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make(map[string]Result, len(checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, c := range checks {
		wg.Add(1)
		go func(name string, c Checker) {
			defer wg.Done()
			start := time.Now()
			res := c.Check(ctx)
			res.Duration = time.Since(start)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, res := range results {
		switch res.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}
	return Report{Status: overall, Checks: results}
}

// =============================================================================
// Built-in Checks
// =============================================================================

// PingCheck calls Ping, e.g. a store round trip or an index open.
type PingCheck struct {
	Ping func(ctx context.Context) error

	// Optional dependencies report degraded instead of unhealthy
	Optional bool
}

func (c *PingCheck) Name() string { return "ping" }

func (c *PingCheck) Check(ctx context.Context) Result {
	if c.Ping == nil {
		return Result{Status: StatusUnknown, Message: "no ping function configured"}
	}
	if err := c.Ping(ctx); err != nil {
		return failed(c.Optional, err)
	}
	return Result{Status: StatusHealthy, Message: "reachable"}
}

// EndpointCheck issues a HEAD request against URL. Any response below 500
// counts as reachable, since feeds and APIs often reject HEAD or
// unauthenticated calls while still being up.
type EndpointCheck struct {
	URL      string
	Timeout  time.Duration
	Optional bool

	// Client overrides the HTTP client (tests)
	Client *resty.Client
}

func (c *EndpointCheck) Name() string { return "endpoint" }

func (c *EndpointCheck) Check(ctx context.Context) Result {
	client := c.Client
	if client == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = resty.New().SetTimeout(timeout)
	}

	resp, err := client.R().SetContext(ctx).Head(c.URL)
	if err != nil {
		return failed(c.Optional, err)
	}
	if resp.StatusCode() >= 500 {
		return failed(c.Optional, fmt.Errorf("%s: HTTP %d", c.URL, resp.StatusCode()))
	}
	return Result{
		Status:   StatusHealthy,
		Message:  fmt.Sprintf("HTTP %d", resp.StatusCode()),
		Metadata: map[string]any{"url": c.URL},
	}
}

// DiskCheck checks free space on the filesystem holding Path. A missing
// Path is resolved to its closest existing parent, so the output directory
// can be checked before it is created.
type DiskCheck struct {
	Path         string
	MinFreeBytes uint64
}

func (c *DiskCheck) Name() string { return "disk" }

func (c *DiskCheck) Check(_ context.Context) Result {
	path := existingParent(c.Path)
	free, total, err := diskSpace(path)
	if err != nil {
		if errors.Is(err, errUnsupported) {
			return Result{Status: StatusUnknown, Message: err.Error()}
		}
		return Result{Status: StatusUnhealthy, Error: fmt.Sprintf("stat %s: %v", path, err)}
	}

	res := Result{Metadata: map[string]any{
		"path":        path,
		"free_bytes":  free,
		"total_bytes": total,
	}}
	if c.MinFreeBytes > 0 && free < c.MinFreeBytes {
		res.Status = StatusUnhealthy
		res.Error = fmt.Sprintf("%d bytes free, need %d", free, c.MinFreeBytes)
		return res
	}
	res.Status = StatusHealthy
	res.Message = fmt.Sprintf("%d MB free", free/1024/1024)
	return res
}

var errUnsupported = errors.New("disk statistics unsupported on this platform")

func existingParent(path string) string {
	if path == "" {
		return "."
	}
	path = filepath.Clean(path)
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

var (
	_ Checker = (*PingCheck)(nil)
	_ Checker = (*EndpointCheck)(nil)
	_ Checker = (*DiskCheck)(nil)
	_ Checker = CheckFunc(nil)
)

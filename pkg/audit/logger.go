// Package audit writes a JSONL trail of refinement run events so every
// suppression, override and drop can be inspected after the fact.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/exploopio/threatrefine/pkg/model"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Run lifecycle events
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"

	// Generation events
	EventUnitFailed  EventType = "unit_failed"
	EventUnitSkipped EventType = "unit_skipped"
	EventBudgetHit   EventType = "budget_exceeded"

	// Refinement events
	EventCandidateSuppressed EventType = "candidate_suppressed"
	EventKEVOverride         EventType = "kev_override"
	EventClusterMerged       EventType = "cluster_merged"
	EventThreatDropped       EventType = "threat_dropped"
	EventImportRowDropped    EventType = "import_row_dropped"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARN"
	SeverityError   Severity = "ERROR"
)

// Event represents an audit event.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	RunID     string                 `json:"run_id,omitempty"`
	Ref       string                 `json:"ref,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Recorder receives run events. Logger implements it; Nop discards.
type Recorder interface {
	Log(event Event)
}

// Nop is a Recorder that discards all events.
type Nop struct{}

func (Nop) Log(Event) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// RunID is included in every event.
	RunID string

	// LogFile is the path to the JSONL file. Events are appended.
	LogFile string

	// BufferSize is the number of events to buffer before flushing.
	// Default: 100
	BufferSize int

	// FlushInterval is how often to flush buffered events.
	// Default: 2 seconds
	FlushInterval time.Duration

	// Now stamps events. Default: time.Now
	Now func() time.Time
}

// Logger is the buffered JSONL audit logger.
type Logger struct {
	config *LoggerConfig
	file   *os.File
	mu     sync.Mutex

	buffer   []Event
	bufferMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLogger opens (or creates) the audit file.
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil || config.LogFile == "" {
		return nil, fmt.Errorf("audit log file is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(config.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		config: config,
		file:   file,
		buffer: make([]Event, 0, config.BufferSize),
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins background flushing.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Close stops background flushing, flushes remaining events and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	wasRunning := l.running
	if wasRunning {
		l.running = false
		close(l.stopCh)
	}
	l.mu.Unlock()

	if wasRunning {
		l.wg.Wait()
	}
	l.Flush()
	return l.file.Close()
}

// Log records an audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.config.Now().UTC()
	}
	if event.RunID == "" {
		event.RunID = l.config.RunID
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if shouldFlush {
		l.Flush()
	}
}

// Flush writes buffered events to disk.
func (l *Logger) Flush() {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	events := l.buffer
	l.buffer = make([]Event, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = l.file.Write(append(data, '\n'))
	}
	_ = l.file.Sync()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// =============================================================================
// Event constructors
// =============================================================================

// RunStarted describes the inputs of a run.
func RunStarted(components, categories, imported int) Event {
	return Event{
		Type:    EventRunStarted,
		Message: "Refinement run started",
		Details: map[string]interface{}{
			"components": components,
			"categories": categories,
			"imported":   imported,
		},
	}
}

// RunCompleted carries the final counters.
func RunCompleted(sum model.Summary) Event {
	return Event{
		Type:    EventRunCompleted,
		Message: fmt.Sprintf("Refinement run completed with %d threats", sum.Final),
		Details: map[string]interface{}{
			"candidates":  sum.Candidates.Total,
			"suppressed":  sum.Suppression.Total,
			"clusters":    sum.Clusters,
			"final":       sum.Final,
			"partial":     sum.Partial,
			"duration_ms": sum.DurationMs,
		},
	}
}

// RunFailed records a run aborted before producing output.
func RunFailed(err error) Event {
	return Event{Type: EventRunFailed, Severity: SeverityError, Message: "Refinement run failed", Error: errText(err)}
}

// UnitFailed records a generation unit whose backend call failed.
func UnitFailed(ref string, err error) Event {
	return Event{Type: EventUnitFailed, Severity: SeverityError, Ref: ref, Message: "Generation unit failed", Error: errText(err)}
}

// UnitSkipped records a generation unit whose output could not be parsed.
func UnitSkipped(ref string, err error) Event {
	return Event{Type: EventUnitSkipped, Severity: SeverityWarning, Ref: ref, Message: "Generation unit skipped", Error: errText(err)}
}

// BudgetExceeded records that outstanding generation calls were cancelled
// and abandoned units were never started.
func BudgetExceeded(budget time.Duration, abandoned int) Event {
	return Event{
		Type:     EventBudgetHit,
		Severity: SeverityWarning,
		Message:  "Batch budget exceeded, continuing with partial results",
		Details:  map[string]interface{}{"budget": budget.String(), "abandoned_units": abandoned},
	}
}

// Decision records a suppression or a KEV override. Plain survivals are
// not audited.
func Decision(d model.SuppressionDecision) (Event, bool) {
	switch {
	case d.Suppressed:
		return Event{
			Type:    EventCandidateSuppressed,
			Ref:     d.CandidateRef,
			Message: d.Reason,
			Details: map[string]interface{}{"rule_id": string(d.RuleID), "exploitation": string(d.Exploitation)},
		}, true
	case d.RuleID == model.RuleKEVOverride:
		return Event{
			Type:     EventKEVOverride,
			Severity: SeverityWarning,
			Ref:      d.CandidateRef,
			Message:  d.Reason,
		}, true
	default:
		return Event{}, false
	}
}

// ClusterMerged records a multi-member cluster.
func ClusterMerged(c model.ThreatCluster) Event {
	return Event{
		Type:    EventClusterMerged,
		Ref:     c.Representative.ID,
		Message: fmt.Sprintf("Merged %d candidates", c.Size()),
		Details: map[string]interface{}{"members": c.MemberRefs},
	}
}

// ThreatDropped records a record excluded by output validation.
func ThreatDropped(ref string, err error) Event {
	return Event{Type: EventThreatDropped, Severity: SeverityWarning, Ref: ref, Message: "Threat failed validation", Error: errText(err)}
}

// ImportRowDropped records an unusable row of the prior-stage threat file.
func ImportRowDropped(ref, reason string) Event {
	return Event{Type: EventImportRowDropped, Severity: SeverityWarning, Ref: ref, Message: reason}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	_ Recorder = (*Logger)(nil)
	_ Recorder = Nop{}
)

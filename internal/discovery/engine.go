package discovery

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventSink receives lifecycle events emitted by the engine. Implementations
// must be safe for concurrent use; the engine calls Record while holding its
// own lock, so sinks must not call back into the engine.
type EventSink interface {
	Record(eventType string, data map[string]any)
}

// Event types emitted by the engine.
const (
	EventAnomalyDetected     = "anomaly_detected"
	EventHypothesisCreated   = "hypothesis_created"
	EventHypothesisDeduped   = "hypothesis_deduped"
	EventExperimentStarted   = "experiment_started"
	EventExperimentCompleted = "experiment_completed"
	EventExperimentFailed    = "experiment_failed"
	EventExperimentReclaimed = "experiment_reclaimed"
)

// Config controls engine behavior.
type Config struct {
	// Enabled toggles the whole engine; when false every hook is a no-op.
	Enabled bool
	// MaxHypothesesPerIteration caps hypotheses accepted per tool result.
	MaxHypothesesPerIteration int
	// MaxConcurrentExperiments caps simultaneously running experiments.
	MaxConcurrentExperiments int
	// Logger receives structured engine logs. Nil discards them.
	Logger *slog.Logger
	// Events receives lifecycle events. Nil disables event recording.
	Events EventSink
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		MaxHypothesesPerIteration: DefaultMaxHypothesesPerIteration,
		MaxConcurrentExperiments:  DefaultMaxConcurrentExperiments,
	}
}

// Engine is the discovery façade wired into the host agent loop. It owns
// the discovery state behind a single lock and serializes every public
// operation through it; the components underneath are plain
// single-threaded logic.
//
// The agent loop calls three hooks: BuildContextBlock before each
// reasoning step, ProcessToolResult after each tool execution, and
// HasUntestedHighPriority before finishing a scan.
type Engine struct {
	mu sync.RWMutex

	enabled   bool
	state     *DiscoveryState
	tracker   *DiscoveryTracker
	extractor *SignalExtractor
	generator *HypothesisGenerator
	ranker    *HypothesisPrioritizer
	scheduler *ExperimentScheduler
	events    EventSink
	logger    *slog.Logger
}

// NewEngine creates an engine with the given configuration. A nil prior
// state starts a fresh scan.
func NewEngine(cfg Config, state *DiscoveryState) *Engine {
	if state == nil {
		state = NewDiscoveryState()
	}
	if cfg.MaxHypothesesPerIteration > 0 {
		state.MaxHypothesesPerIteration = cfg.MaxHypothesesPerIteration
	}
	if cfg.MaxConcurrentExperiments > 0 {
		state.MaxConcurrentExperiments = cfg.MaxConcurrentExperiments
	}

	logger := orDefault(cfg.Logger)
	return &Engine{
		enabled:   cfg.Enabled,
		state:     state,
		tracker:   NewDiscoveryTracker(state, logger),
		extractor: NewSignalExtractor(logger),
		generator: NewHypothesisGenerator(state, logger),
		ranker:    NewHypothesisPrioritizer(state, logger),
		scheduler: NewExperimentScheduler(state, logger),
		events:    cfg.Events,
		logger:    logger,
	}
}

// Enabled reports whether the engine is active.
func (e *Engine) Enabled() bool {
	return e.enabled
}

func (e *Engine) record(eventType string, data map[string]any) {
	if e.events != nil {
		e.events.Record(eventType, data)
	}
}

// BuildContextBlock renders the top queued hypotheses as a structured
// context block for injection into the agent's reasoning prompt. Returns
// "" when the engine is disabled or the queue is empty.
func (e *Engine) BuildContextBlock(maxHypotheses int) string {
	if !e.enabled {
		return ""
	}
	if maxHypotheses <= 0 {
		maxHypotheses = DefaultMaxHypothesesPerIteration
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	queued := e.ranker.RankQueued(maxHypotheses)
	if len(queued) == 0 {
		return ""
	}

	metrics := e.state.UpdateMetrics()

	var b strings.Builder
	b.WriteString("<discovery_context>\n")
	fmt.Fprintf(&b, "  <metrics total_hypotheses='%d' validated='%d' queued='%d' running_experiments='%d' />\n",
		metrics.TotalHypotheses, metrics.ValidatedHypotheses, metrics.QueuedHypotheses,
		e.state.RunningExperiments())
	b.WriteString("  <queued_hypotheses>\n")
	for _, h := range queued {
		fmt.Fprintf(&b, "    <hypothesis id='%s' priority='%.3f' class='%s'>%s → %s</hypothesis>\n",
			h.ID, h.Priority, h.VulnerabilityClass, h.Title, h.Target)
	}
	b.WriteString("  </queued_hypotheses>\n")
	b.WriteString("</discovery_context>")
	return b.String()
}

// ProcessToolResult runs the observation pipeline on one tool execution
// result: extract anomalies, generate hypotheses, deduplicate, and admit
// survivors to the queue. Returns the number of hypotheses accepted.
func (e *Engine) ProcessToolResult(toolName string, toolArgs, result map[string]any) int {
	if !e.enabled {
		return 0
	}

	anomalies := e.extractor.ExtractFromToolResult(toolName, toolArgs, result)
	if len(anomalies) == 0 {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, anomaly := range anomalies {
		e.state.AddAnomaly(anomaly)
		e.record(EventAnomalyDetected, map[string]any{
			"anomaly_id":   anomaly.ID,
			"anomaly_type": string(anomaly.AnomalyType),
			"source_tool":  anomaly.SourceTool,
			"target":       anomaly.Target,
		})
	}

	newHypotheses := e.generator.GenerateFromAnomalies(anomalies)
	accepted := e.ranker.DeduplicateNewHypotheses(newHypotheses)

	for _, h := range newHypotheses {
		if h.Status == HypothesisDeduped {
			e.record(EventHypothesisDeduped, map[string]any{
				"hypothesis_id": h.ID,
				"summary":       h.ResultSummary,
			})
		}
	}

	for _, h := range accepted {
		e.state.AddHypothesis(h)
		e.record(EventHypothesisCreated, map[string]any{
			"hypothesis_id":       h.ID,
			"title":               h.Title,
			"vulnerability_class": h.VulnerabilityClass,
			"priority":            h.Priority,
		})
	}

	if len(accepted) > 0 {
		e.logger.Info("tool result processed",
			"tool", toolName,
			"anomalies", len(anomalies),
			"generated", len(newHypotheses),
			"accepted", len(accepted))
	}

	return len(accepted)
}

// HasUntestedHighPriority reports whether a queued hypothesis at or above
// the threshold remains. Called before finish to warn about unexplored
// attack surface. A threshold <= 0 uses 0.5.
func (e *Engine) HasUntestedHighPriority(threshold float64) bool {
	if !e.enabled {
		return false
	}
	if threshold <= 0 {
		threshold = 0.5
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	queued := e.ranker.RankQueued(1)
	return len(queued) > 0 && queued[0].Priority >= threshold
}

// GetUntestedSummary renders a human-readable summary of queued hypotheses
// at or above the threshold. A threshold <= 0 uses 0.3.
func (e *Engine) GetUntestedSummary(threshold float64) string {
	if threshold <= 0 {
		threshold = 0.3
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	queued := e.ranker.RankQueued(0)
	var above []*Hypothesis
	for _, h := range queued {
		if h.Priority >= threshold {
			above = append(above, h)
		}
	}

	if len(above) == 0 {
		return "No untested hypotheses above threshold."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d untested hypotheses remain:", len(above))
	shown := above
	if len(shown) > 5 {
		shown = shown[:5]
	}
	for _, h := range shown {
		fmt.Fprintf(&b, "\n  - [%.2f] %s: %s", h.Priority, h.VulnerabilityClass, h.Title)
	}
	if len(above) > 5 {
		fmt.Fprintf(&b, "\n  ... and %d more", len(above)-5)
	}
	return b.String()
}

// SubmitHypothesis adds an externally-sourced hypothesis to the queue.
func (e *Engine) SubmitHypothesis(h *Hypothesis) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.tracker.SubmitHypothesis(h)
	e.record(EventHypothesisCreated, map[string]any{
		"hypothesis_id":       id,
		"title":               h.Title,
		"vulnerability_class": h.VulnerabilityClass,
		"priority":            h.Priority,
	})
	return id
}

// SubmitHypotheses adds a batch of externally-sourced hypotheses, running
// them through deduplication first. It returns the IDs of accepted ones.
func (e *Engine) SubmitHypotheses(hypotheses []*Hypothesis) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	accepted := e.ranker.DeduplicateNewHypotheses(hypotheses)
	ids := make([]string, 0, len(accepted))
	for _, h := range accepted {
		ids = append(ids, e.tracker.SubmitHypothesis(h))
	}
	return ids
}

// GetNextTasks returns worker-ready tasks for the top queued hypotheses,
// bounded by available concurrency slots.
func (e *Engine) GetNextTasks(maxTasks int) []*ExperimentTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.GetNextTasks(maxTasks)
}

// MarkScheduled claims a task for a worker: the hypothesis moves to
// in-progress and a running experiment is created.
func (e *Engine) MarkScheduled(hypothesisID, agentID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	experimentID := e.scheduler.MarkScheduled(hypothesisID, agentID)
	if experimentID != "" {
		e.record(EventExperimentStarted, map[string]any{
			"experiment_id": experimentID,
			"hypothesis_id": hypothesisID,
			"agent_id":      agentID,
		})
	}
	return experimentID
}

// StartExperiment creates and starts an experiment, enforcing admission
// rules (queued hypothesis, free slot).
func (e *Engine) StartExperiment(hypothesisID, agentID, taskDescription string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	experimentID, err := e.tracker.StartExperiment(hypothesisID, agentID, taskDescription)
	if err != nil {
		return "", err
	}
	e.record(EventExperimentStarted, map[string]any{
		"experiment_id": experimentID,
		"hypothesis_id": hypothesisID,
		"agent_id":      agentID,
	})
	return experimentID, nil
}

// CompleteExperiment records an experiment verdict and updates the
// hypothesis accordingly.
func (e *Engine) CompleteExperiment(experimentID, result string, evidence []EvidenceRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.tracker.CompleteExperiment(experimentID, result, evidence); err != nil {
		return err
	}
	e.record(EventExperimentCompleted, map[string]any{
		"experiment_id": experimentID,
		"result":        result,
	})
	return nil
}

// FailExperiment records an experiment error; the hypothesis becomes
// inconclusive, never falsified.
func (e *Engine) FailExperiment(experimentID, errMsg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.tracker.FailExperiment(experimentID, errMsg); err != nil {
		return err
	}
	e.record(EventExperimentFailed, map[string]any{
		"experiment_id": experimentID,
		"error":         errMsg,
	})
	return nil
}

// CompleteExperimentFromAgentResult folds a worker completion report into
// the experiment owned by that worker. Success with findings validates;
// success without findings is inconclusive; failure falsifies.
func (e *Engine) CompleteExperimentFromAgentResult(agentID string, success bool, resultSummary string, findings []string) {
	if !e.enabled {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, experiment := range e.state.Experiments {
		if experiment.AgentID != agentID || experiment.Status != ExperimentRunning {
			continue
		}

		var err error
		switch {
		case success && len(findings) > 0:
			capped := findings
			if len(capped) > 5 {
				capped = capped[:5]
			}
			evidence := make([]EvidenceRef, 0, len(capped))
			for _, f := range capped {
				evidence = append(evidence, NewEvidenceRef("subagent", agentID,
					fmt.Sprintf("Finding: %s", truncateRaw(f, 100))))
			}
			err = e.tracker.CompleteExperiment(experiment.ID, "validated", evidence)
		case success:
			err = e.tracker.CompleteExperiment(experiment.ID, "inconclusive", nil)
		default:
			err = e.tracker.CompleteExperiment(experiment.ID, "falsified", nil)
		}
		if err == nil {
			e.record(EventExperimentCompleted, map[string]any{
				"experiment_id": experiment.ID,
				"agent_id":      agentID,
				"result":        experiment.Result,
			})
		}
		return
	}
}

// ReclaimStale cancels running experiments older than maxAge and closes
// their hypotheses as inconclusive. Returns the number reclaimed. Workers
// that die without reporting would otherwise hold concurrency slots
// forever.
func (e *Engine) ReclaimStale(maxAge time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	reclaimed := 0
	for _, experiment := range e.state.Experiments {
		if experiment.Status != ExperimentRunning {
			continue
		}
		if experiment.StartedAt == nil || experiment.StartedAt.After(cutoff) {
			continue
		}
		reason := fmt.Sprintf("reclaimed after %s without a result", maxAge)
		if err := e.tracker.CancelExperiment(experiment.ID, reason); err != nil {
			continue
		}
		e.record(EventExperimentReclaimed, map[string]any{
			"experiment_id": experiment.ID,
			"hypothesis_id": experiment.HypothesisID,
			"age_limit":     maxAge.String(),
		})
		reclaimed++
	}

	if reclaimed > 0 {
		e.logger.Warn("stale experiments reclaimed", "count", reclaimed, "max_age", maxAge)
	}
	return reclaimed
}

// GetPrioritySummary returns the queue ranking summary.
func (e *Engine) GetPrioritySummary() PrioritySummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ranker.GetPrioritySummary()
}

// GetScheduleSummary returns the scheduling state summary.
func (e *Engine) GetScheduleSummary() ScheduleSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.GetScheduleSummary()
}

// GetMetrics recomputes and returns the aggregate discovery metrics.
func (e *Engine) GetMetrics() DiscoveryMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.GetMetrics()
}

// HasPendingWork reports whether a queued hypothesis could be scheduled.
func (e *Engine) HasPendingWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.HasPendingWork()
}

// PersistenceSnapshot refreshes metrics and returns a serializable view
// of the state for the host persistence layer.
func (e *Engine) PersistenceSnapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.UpdateMetrics()
	return e.state.PersistenceSnapshot()
}

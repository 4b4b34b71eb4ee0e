package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrHypothesisNotFound is returned when a hypothesis ID does not exist.
	ErrHypothesisNotFound = errors.New("hypothesis not found")
	// ErrExperimentNotFound is returned when an experiment ID does not exist.
	ErrExperimentNotFound = errors.New("experiment not found")
	// ErrInvalidTransition is returned when a lifecycle transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConcurrencyLimit is returned when the running experiment cap is reached.
	ErrConcurrencyLimit = errors.New("max concurrent experiments reached")
)

// DiscoveryTracker is the single writer for hypothesis and experiment
// lifecycle transitions. Status fields are only mutated here and in the
// scheduler's MarkScheduled; writes anywhere else are bugs.
type DiscoveryTracker struct {
	state  *DiscoveryState
	logger *slog.Logger
}

// NewDiscoveryTracker creates a tracker for the given state. A nil state
// gets a fresh empty one.
func NewDiscoveryTracker(state *DiscoveryState, logger *slog.Logger) *DiscoveryTracker {
	if state == nil {
		state = NewDiscoveryState()
	}
	return &DiscoveryTracker{state: state, logger: orDefault(logger)}
}

// State returns the tracked discovery state.
func (t *DiscoveryTracker) State() *DiscoveryState {
	return t.state
}

// SubmitHypothesis adds a new hypothesis, computing its priority.
func (t *DiscoveryTracker) SubmitHypothesis(h *Hypothesis) string {
	id := t.state.AddHypothesis(h)
	t.logger.Info("hypothesis submitted", "hypothesis_id", id, "title", h.Title)
	return id
}

// StartExperiment creates and starts an experiment for a queued hypothesis.
// It enforces the two admission rules: the hypothesis must be queued, and
// the concurrent experiment cap must not be reached.
func (t *DiscoveryTracker) StartExperiment(hypothesisID, agentID, taskDescription string) (string, error) {
	h := t.state.HypothesisByID(hypothesisID)
	if h == nil {
		return "", fmt.Errorf("start experiment for %s: %w", hypothesisID, ErrHypothesisNotFound)
	}

	if h.Status != HypothesisQueued {
		return "", fmt.Errorf("hypothesis %s is %s: %w", hypothesisID, h.Status, ErrInvalidTransition)
	}

	if t.state.RunningExperiments() >= t.state.MaxConcurrentExperiments {
		return "", fmt.Errorf("%w (%d)", ErrConcurrencyLimit, t.state.MaxConcurrentExperiments)
	}

	experiment := NewExperiment(hypothesisID, taskDescription)
	experiment.start(agentID)
	experimentID := t.state.AddExperiment(experiment)

	h.Status = HypothesisInProgress
	h.ExperimentID = experimentID

	t.logger.Info("experiment started",
		"experiment_id", experimentID,
		"hypothesis_id", hypothesisID,
		"agent_id", agentID)
	return experimentID, nil
}

// CompleteExperiment marks an experiment completed and folds the verdict
// back into the hypothesis: "validated" and "falsified" map to those
// statuses (case-insensitively), anything else is inconclusive.
func (t *DiscoveryTracker) CompleteExperiment(experimentID, result string, evidence []EvidenceRef) error {
	experiment := t.state.ExperimentByID(experimentID)
	if experiment == nil {
		return fmt.Errorf("complete experiment %s: %w", experimentID, ErrExperimentNotFound)
	}

	experiment.complete(result, evidence)

	h := t.state.HypothesisByID(experiment.HypothesisID)
	if h == nil {
		// Orphaned experiment; record the completion anyway.
		return nil
	}

	switch strings.TrimSpace(strings.ToLower(result)) {
	case "validated":
		h.Status = HypothesisValidated
	case "falsified":
		h.Status = HypothesisFalsified
	default:
		h.Status = HypothesisInconclusive
	}
	h.ResultSummary = result

	t.logger.Info("experiment completed",
		"experiment_id", experimentID,
		"result", result,
		"hypothesis_id", experiment.HypothesisID,
		"hypothesis_status", h.Status)
	return nil
}

// FailExperiment marks an experiment failed and its hypothesis
// inconclusive. A failed experiment says nothing about whether the
// vulnerability exists, so the hypothesis is never falsified here.
func (t *DiscoveryTracker) FailExperiment(experimentID, errMsg string) error {
	experiment := t.state.ExperimentByID(experimentID)
	if experiment == nil {
		return fmt.Errorf("fail experiment %s: %w", experimentID, ErrExperimentNotFound)
	}

	experiment.fail(errMsg)

	if h := t.state.HypothesisByID(experiment.HypothesisID); h != nil {
		h.Status = HypothesisInconclusive
		h.ResultSummary = fmt.Sprintf("Experiment failed: %s", errMsg)
	}

	t.logger.Info("experiment failed", "experiment_id", experimentID, "error", errMsg)
	return nil
}

// CancelExperiment reclaims a stale running experiment: the experiment is
// cancelled and its hypothesis is closed as inconclusive, freeing the
// concurrency slot. The hypothesis does not return to the queue; a stale
// worker says nothing about whether the hypothesis holds.
func (t *DiscoveryTracker) CancelExperiment(experimentID, reason string) error {
	experiment := t.state.ExperimentByID(experimentID)
	if experiment == nil {
		return fmt.Errorf("cancel experiment %s: %w", experimentID, ErrExperimentNotFound)
	}
	if experiment.Status != ExperimentRunning {
		return fmt.Errorf("experiment %s is %s: %w", experimentID, experiment.Status, ErrInvalidTransition)
	}

	experiment.cancel(reason)

	if h := t.state.HypothesisByID(experiment.HypothesisID); h != nil && h.Status == HypothesisInProgress {
		h.Status = HypothesisInconclusive
		h.ResultSummary = fmt.Sprintf("Experiment cancelled: %s", reason)
	}

	t.logger.Warn("experiment cancelled", "experiment_id", experimentID, "reason", reason)
	return nil
}

// MarkHypothesisDeduped marks a hypothesis as duplicate of another.
func (t *DiscoveryTracker) MarkHypothesisDeduped(hypothesisID, duplicateOf string) error {
	h := t.state.HypothesisByID(hypothesisID)
	if h == nil {
		return fmt.Errorf("dedupe hypothesis %s: %w", hypothesisID, ErrHypothesisNotFound)
	}

	h.Status = HypothesisDeduped
	h.ResultSummary = fmt.Sprintf("Duplicate of %s", duplicateOf)

	t.logger.Info("hypothesis deduped", "hypothesis_id", hypothesisID, "duplicate_of", duplicateOf)
	return nil
}

// GetNextHypotheses returns the next hypotheses to test, ordered by
// priority. limit <= 0 falls back to the per-iteration limit.
func (t *DiscoveryTracker) GetNextHypotheses(limit int) []*Hypothesis {
	if limit <= 0 {
		limit = t.state.MaxHypothesesPerIteration
	}
	return NewHypothesisPrioritizer(t.state, t.logger).RankQueued(limit)
}

// GetMetrics recomputes and returns the aggregate metrics.
func (t *DiscoveryTracker) GetMetrics() DiscoveryMetrics {
	return t.state.UpdateMetrics()
}

package discovery

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counts: map[string]int{}}
}

func (s *recordingSink) Record(eventType string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[eventType]++
}

func (s *recordingSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[eventType]
}

func listRequestsResult(id, method, path string, status int) map[string]any {
	return map[string]any{
		"requests": []any{
			map[string]any{
				"id":          id,
				"method":      method,
				"path":        path,
				"status_code": float64(status),
			},
		},
	}
}

func TestEngineProcessToolResultPipeline(t *testing.T) {
	sink := newRecordingSink()
	cfg := DefaultConfig()
	cfg.Events = sink
	engine := NewEngine(cfg, nil)

	accepted := engine.ProcessToolResult("list_requests", nil,
		listRequestsResult("req-1", "GET", "/api/users/42", 403))
	require.Equal(t, 1, accepted)

	metrics := engine.GetMetrics()
	assert.Equal(t, 1, metrics.TotalAnomalies)
	assert.Equal(t, 1, metrics.TotalHypotheses)
	assert.Equal(t, 1, metrics.QueuedHypotheses)

	assert.Equal(t, 1, sink.count(EventAnomalyDetected))
	assert.Equal(t, 1, sink.count(EventHypothesisCreated))
}

func TestEngineDeduplicatesAcrossToolResults(t *testing.T) {
	sink := newRecordingSink()
	cfg := DefaultConfig()
	cfg.Events = sink
	engine := NewEngine(cfg, nil)

	first := engine.ProcessToolResult("list_requests", nil,
		listRequestsResult("req-1", "GET", "/api/users/1", 403))
	require.Equal(t, 1, first)

	// Same route, different ID: the generator already knows this
	// target/class pair and produces nothing new.
	second := engine.ProcessToolResult("list_requests", nil,
		listRequestsResult("req-2", "GET", "/api/users/999", 403))
	assert.Equal(t, 0, second)

	metrics := engine.GetMetrics()
	assert.Equal(t, 2, metrics.TotalAnomalies)
	assert.Equal(t, 1, metrics.TotalHypotheses)
}

func TestEngineDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	engine := NewEngine(cfg, nil)

	accepted := engine.ProcessToolResult("list_requests", nil,
		listRequestsResult("req-1", "GET", "/x", 403))
	assert.Equal(t, 0, accepted)
	assert.Equal(t, "", engine.BuildContextBlock(5))
	assert.False(t, engine.HasUntestedHighPriority(0))
	assert.False(t, engine.Enabled())

	metrics := engine.GetMetrics()
	assert.Equal(t, 0, metrics.TotalAnomalies)
}

func TestEngineBuildContextBlock(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	assert.Equal(t, "", engine.BuildContextBlock(5), "empty queue renders nothing")

	engine.ProcessToolResult("list_requests", nil,
		listRequestsResult("req-1", "GET", "/api/admin", 403))

	block := engine.BuildContextBlock(5)
	require.NotEmpty(t, block)
	assert.True(t, strings.HasPrefix(block, "<discovery_context>"))
	assert.True(t, strings.HasSuffix(block, "</discovery_context>"))
	assert.Contains(t, block, "total_hypotheses='1'")
	assert.Contains(t, block, "queued='1'")
	assert.Contains(t, block, "class='Authorization Bypass'")
	assert.Contains(t, block, "→ GET /api/admin")
}

func TestEngineBuildContextBlockLimit(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	for i := 0; i < 4; i++ {
		h := NewHypothesis(fmt.Sprintf("h%d", i), "s", fmt.Sprintf("/t/%c", 'a'+i), "Class")
		h.Novelty = 0.5
		engine.SubmitHypothesis(h)
	}

	block := engine.BuildContextBlock(2)
	assert.Equal(t, 2, strings.Count(block, "<hypothesis "))
}

func TestEngineSubmitHypothesesBatch(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	engine.SubmitHypothesis(NewHypothesis("first", "s", "/api/users/1", "IDOR"))

	batch := []*Hypothesis{
		NewHypothesis("second", "s", "/api/orders", "Injection"),
		NewHypothesis("duplicate of first", "s", "GET /API/USERS/2", "IDOR"),
	}
	ids := engine.SubmitHypotheses(batch)

	// The second batch entry normalizes to the same target and class as
	// the already-submitted hypothesis.
	assert.Len(t, ids, 1)
	metrics := engine.GetMetrics()
	assert.Equal(t, 3, metrics.TotalHypotheses)
	assert.Equal(t, 1, metrics.DedupedHypotheses)
}

func TestEngineHasUntestedHighPriority(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	assert.False(t, engine.HasUntestedHighPriority(0.5))

	low := NewHypothesis("low", "s", "/a", "X")
	low.Novelty = 0.2 // priority 0.07
	engine.SubmitHypothesis(low)
	assert.False(t, engine.HasUntestedHighPriority(0.5))

	high := NewHypothesis("high", "s", "/b", "Y")
	high.Novelty, high.Impact, high.Evidence, high.Reachability = 0.9, 0.8, 0.7, 0.9
	engine.SubmitHypothesis(high)
	assert.True(t, engine.HasUntestedHighPriority(0.5))
}

func TestEngineGetUntestedSummary(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	assert.Equal(t, "No untested hypotheses above threshold.", engine.GetUntestedSummary(0.3))

	for i := 0; i < 7; i++ {
		h := NewHypothesis(fmt.Sprintf("hypothesis %d", i), "s", fmt.Sprintf("/t/%d-path", i), "Injection")
		h.Novelty, h.Impact, h.Evidence, h.Reachability = 0.9, 0.8, 0.7, 0.9
		engine.SubmitHypothesis(h)
	}

	summary := engine.GetUntestedSummary(0.3)
	assert.Contains(t, summary, "7 untested hypotheses remain:")
	assert.Contains(t, summary, "... and 2 more")
	assert.Contains(t, summary, "Injection:")
}

func TestEngineWorkerLifecycle(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	engine.ProcessToolResult("list_requests", nil,
		listRequestsResult("req-1", "GET", "/api/users/5", 403))

	tasks := engine.GetNextTasks(0)
	require.Len(t, tasks, 1)

	experimentID := engine.MarkScheduled(tasks[0].HypothesisID, "agent-1")
	require.NotEmpty(t, experimentID)

	engine.CompleteExperimentFromAgentResult("agent-1", true, "confirmed IDOR",
		[]string{"can read other users' invoices", "works across tenants"})

	metrics := engine.GetMetrics()
	assert.Equal(t, 1, metrics.ValidatedHypotheses)
	assert.Equal(t, 1, metrics.CompletedExperiments)

	snapshot := engine.PersistenceSnapshot()
	require.Len(t, snapshot.Experiments, 1)
	e := snapshot.Experiments[0]
	assert.Equal(t, "validated", e.Result)
	assert.Len(t, e.EvidenceRefs, 2)
	assert.Equal(t, "subagent", e.EvidenceRefs[0].Source)
}

func TestEngineAgentResultWithoutFindings(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	h := NewHypothesis("h", "s", "/t", "X")
	engine.SubmitHypothesis(h)
	experimentID, err := engine.StartExperiment(h.ID, "agent-2", "task")
	require.NoError(t, err)

	// Success with no findings proves nothing either way.
	engine.CompleteExperimentFromAgentResult("agent-2", true, "nothing found", nil)

	snapshot := engine.PersistenceSnapshot()
	require.Len(t, snapshot.Experiments, 1)
	assert.Equal(t, experimentID, snapshot.Experiments[0].ID)
	assert.Equal(t, "inconclusive", snapshot.Experiments[0].Result)
	assert.Equal(t, HypothesisInconclusive, snapshot.Hypotheses[0].Status)
}

func TestEngineAgentResultFailure(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	h := NewHypothesis("h", "s", "/t", "X")
	engine.SubmitHypothesis(h)
	_, err := engine.StartExperiment(h.ID, "agent-3", "task")
	require.NoError(t, err)

	engine.CompleteExperimentFromAgentResult("agent-3", false, "not exploitable", nil)

	snapshot := engine.PersistenceSnapshot()
	assert.Equal(t, HypothesisFalsified, snapshot.Hypotheses[0].Status)
}

func TestEngineAgentResultUnknownAgent(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	// No experiment for this agent; must be a no-op, not a panic.
	engine.CompleteExperimentFromAgentResult("agent-ghost", true, "x", nil)
	assert.Equal(t, 0, engine.GetMetrics().TotalExperiments)
}

func TestEngineReclaimStale(t *testing.T) {
	sink := newRecordingSink()

	state := NewDiscoveryState()
	h := NewHypothesis("h", "s", "/t", "X")
	h.Status = HypothesisInProgress
	state.AddHypothesis(h)

	stale := NewExperiment(h.ID, "task")
	stale.start("agent-gone")
	past := time.Now().UTC().Add(-2 * time.Hour)
	stale.StartedAt = &past
	state.AddExperiment(stale)
	h.ExperimentID = stale.ID

	fresh := NewExperiment("hyp_other", "task")
	fresh.start("agent-live")
	state.AddExperiment(fresh)

	cfg := DefaultConfig()
	cfg.Events = sink
	engine := NewEngine(cfg, state)

	reclaimed := engine.ReclaimStale(30 * time.Minute)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, ExperimentCancelled, stale.Status)
	assert.Equal(t, ExperimentRunning, fresh.Status)
	assert.Equal(t, HypothesisInconclusive, h.Status)
	assert.True(t, HypothesisInProgress.CanTransitionTo(HypothesisInconclusive))
	assert.Equal(t, 1, sink.count(EventExperimentReclaimed))

	// Idempotent: nothing left to reclaim.
	assert.Equal(t, 0, engine.ReclaimStale(30*time.Minute))
}

func TestEngineRestoresPriorState(t *testing.T) {
	state := NewDiscoveryState()
	h := NewHypothesis("carried over", "s", "/api/x", "Injection")
	h.Novelty = 0.9
	state.AddHypothesis(h)

	engine := NewEngine(DefaultConfig(), state)
	summary := engine.GetPrioritySummary()
	require.Equal(t, 1, summary.TotalQueued)
	assert.Equal(t, h.ID, summary.Top[0].ID)
}

func TestEngineConfigOverridesLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHypothesesPerIteration = 9
	cfg.MaxConcurrentExperiments = 7

	engine := NewEngine(cfg, nil)
	schedule := engine.GetScheduleSummary()
	assert.Equal(t, 7, schedule.MaxConcurrent)
}

func TestEngineConcurrentAccess(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				path := fmt.Sprintf("/api/r%d/%d", n, j)
				engine.ProcessToolResult("list_requests", nil,
					listRequestsResult("req", "GET", path, 403))
				engine.BuildContextBlock(3)
				engine.GetNextTasks(0)
				engine.GetMetrics()
				engine.HasUntestedHighPriority(0.5)
			}
		}(i)
	}
	wg.Wait()

	// The single lock serializes everything; state must be internally
	// consistent afterwards.
	metrics := engine.GetMetrics()
	snapshot := engine.PersistenceSnapshot()
	assert.Equal(t, metrics.TotalHypotheses, len(snapshot.Hypotheses))
	assert.Equal(t, metrics.TotalAnomalies, len(snapshot.AnomalyEvents))
}

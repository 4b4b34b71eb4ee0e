package discovery

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// HypothesisStatus represents the lifecycle state of a hypothesis.
type HypothesisStatus string

const (
	// HypothesisQueued means the hypothesis is waiting to be scheduled
	HypothesisQueued HypothesisStatus = "queued"
	// HypothesisInProgress means an experiment is actively testing it
	HypothesisInProgress HypothesisStatus = "in_progress"
	// HypothesisValidated means an experiment confirmed the hypothesis (terminal)
	HypothesisValidated HypothesisStatus = "validated"
	// HypothesisFalsified means an experiment refuted the hypothesis (terminal)
	HypothesisFalsified HypothesisStatus = "falsified"
	// HypothesisInconclusive means testing finished without a verdict (terminal)
	HypothesisInconclusive HypothesisStatus = "inconclusive"
	// HypothesisDeduped means the hypothesis duplicated an existing one (terminal)
	HypothesisDeduped HypothesisStatus = "deduped"
)

// IsValid checks if the status value is valid
func (s HypothesisStatus) IsValid() bool {
	switch s {
	case HypothesisQueued, HypothesisInProgress, HypothesisValidated,
		HypothesisFalsified, HypothesisInconclusive, HypothesisDeduped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from this status.
func (s HypothesisStatus) IsTerminal() bool {
	switch s {
	case HypothesisValidated, HypothesisFalsified, HypothesisInconclusive, HypothesisDeduped:
		return true
	}
	return false
}

// ValidTransitions returns the statuses reachable from this status.
//
// State machine:
//
//	queued → in_progress → {validated, falsified, inconclusive}
//	queued → deduped
//
// Terminal statuses have no outgoing transitions.
func (s HypothesisStatus) ValidTransitions() []HypothesisStatus {
	switch s {
	case HypothesisQueued:
		return []HypothesisStatus{HypothesisInProgress, HypothesisDeduped}
	case HypothesisInProgress:
		return []HypothesisStatus{HypothesisValidated, HypothesisFalsified, HypothesisInconclusive}
	default:
		return []HypothesisStatus{}
	}
}

// CanTransitionTo checks if a transition from this status to the target is valid
func (s HypothesisStatus) CanTransitionTo(target HypothesisStatus) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// ExperimentStatus represents the lifecycle state of an experiment.
type ExperimentStatus string

const (
	// ExperimentPending means the experiment was created but not yet assigned
	ExperimentPending ExperimentStatus = "pending"
	// ExperimentRunning means a worker is executing the experiment
	ExperimentRunning ExperimentStatus = "running"
	// ExperimentCompleted means the worker reported a result (terminal)
	ExperimentCompleted ExperimentStatus = "completed"
	// ExperimentFailed means the worker errored out (terminal)
	ExperimentFailed ExperimentStatus = "failed"
	// ExperimentCancelled means a stale experiment was reclaimed (terminal)
	ExperimentCancelled ExperimentStatus = "cancelled"
)

// IsValid checks if the status value is valid
func (s ExperimentStatus) IsValid() bool {
	switch s {
	case ExperimentPending, ExperimentRunning, ExperimentCompleted,
		ExperimentFailed, ExperimentCancelled:
		return true
	}
	return false
}

// AnomalyType categorizes an observed signal.
type AnomalyType string

const (
	AnomalyStatusCode      AnomalyType = "status_code"
	AnomalyResponseDiff    AnomalyType = "response_diff"
	AnomalyTiming          AnomalyType = "timing"
	AnomalyErrorLeak       AnomalyType = "error_leak"
	AnomalyAuthBypass      AnomalyType = "auth_bypass"
	AnomalyInjectionSignal AnomalyType = "injection_signal"
	AnomalyUnexpectedData  AnomalyType = "unexpected_data"
)

// IsValid checks if the anomaly type value is valid
func (t AnomalyType) IsValid() bool {
	switch t {
	case AnomalyStatusCode, AnomalyResponseDiff, AnomalyTiming, AnomalyErrorLeak,
		AnomalyAuthBypass, AnomalyInjectionSignal, AnomalyUnexpectedData:
		return true
	}
	return false
}

func newHypothesisID() string {
	return "hyp_" + shortID()
}

func newExperimentID() string {
	return "exp_" + shortID()
}

func newAnomalyID() string {
	return "anom_" + shortID()
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// EvidenceRef points at a raw evidence artifact held by a collaborator
// (a proxy request ID, a terminal execution ID, a screenshot path).
// It is a pointer to proof, not the proof itself, and is immutable once created.
type EvidenceRef struct {
	Source      string    `json:"source"` // e.g. "proxy", "browser", "terminal", "subagent"
	RefID       string    `json:"ref_id"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEvidenceRef creates an evidence reference stamped with the current time.
func NewEvidenceRef(source, refID, description string) EvidenceRef {
	return EvidenceRef{
		Source:      source,
		RefID:       refID,
		Description: description,
		Timestamp:   time.Now().UTC(),
	}
}

// Priority weights. They must sum to 1.0.
const (
	noveltyWeight      = 0.35
	impactWeight       = 0.30
	evidenceWeight     = 0.20
	reachabilityWeight = 0.15
)

// Hypothesis is a scored, testable claim that a target may be vulnerable.
type Hypothesis struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	Source             string           `json:"source"` // provenance, e.g. "proxy_status_code"
	Target             string           `json:"target"` // e.g. "GET /api/invoices/42"
	VulnerabilityClass string           `json:"vulnerability_class"`
	Novelty            float64          `json:"novelty_score"`
	Impact             float64          `json:"impact_score"`
	Evidence           float64          `json:"evidence_score"`
	Reachability       float64          `json:"reachability_score"`
	Confidence         float64          `json:"confidence"` // reserved, unused by current scoring
	Priority           float64          `json:"priority"`
	EvidenceRefs       []EvidenceRef    `json:"evidence_refs,omitempty"`
	Status             HypothesisStatus `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	ExperimentID       string           `json:"experiment_id,omitempty"`
	ResultSummary      string           `json:"result_summary,omitempty"`
	ParentHypothesisID string           `json:"parent_hypothesis_id,omitempty"`
}

// NewHypothesis creates a queued hypothesis with a fresh ID and timestamps.
func NewHypothesis(title, source, target, vulnClass string) *Hypothesis {
	now := time.Now().UTC()
	return &Hypothesis{
		ID:                 newHypothesisID(),
		Title:              title,
		Source:             source,
		Target:             target,
		VulnerabilityClass: vulnClass,
		Status:             HypothesisQueued,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// ComputePriority recomputes the derived priority from the four component
// scores and stores it. Priority is never set directly: rankings always
// recompute it first so stale values cannot leak into ordering.
func (h *Hypothesis) ComputePriority() float64 {
	h.Priority = noveltyWeight*h.Novelty +
		impactWeight*h.Impact +
		evidenceWeight*h.Evidence +
		reachabilityWeight*h.Reachability
	h.UpdatedAt = time.Now().UTC()
	return h.Priority
}

// Experiment is one concrete attempt to validate or falsify a hypothesis.
type Experiment struct {
	ID              string           `json:"id"`
	HypothesisID    string           `json:"hypothesis_id"`
	AgentID         string           `json:"agent_id,omitempty"` // worker assigned to this experiment
	TaskDescription string           `json:"task_description,omitempty"`
	Status          ExperimentStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Result          string           `json:"result,omitempty"` // "validated", "falsified", or free text
	EvidenceRefs    []EvidenceRef    `json:"evidence_refs,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// NewExperiment creates a pending experiment bound to a hypothesis.
func NewExperiment(hypothesisID, taskDescription string) *Experiment {
	return &Experiment{
		ID:              newExperimentID(),
		HypothesisID:    hypothesisID,
		TaskDescription: taskDescription,
		Status:          ExperimentPending,
		CreatedAt:       time.Now().UTC(),
	}
}

// Lifecycle mutators are unexported: the Tracker is the single writer for
// status transitions and anything else flipping statuses is a bug.

func (e *Experiment) start(agentID string) {
	now := time.Now().UTC()
	e.AgentID = agentID
	e.Status = ExperimentRunning
	e.StartedAt = &now
}

func (e *Experiment) complete(result string, evidence []EvidenceRef) {
	now := time.Now().UTC()
	e.Status = ExperimentCompleted
	e.CompletedAt = &now
	e.Result = result
	if len(evidence) > 0 {
		e.EvidenceRefs = append(e.EvidenceRefs, evidence...)
	}
}

func (e *Experiment) fail(errMsg string) {
	now := time.Now().UTC()
	e.Status = ExperimentFailed
	e.CompletedAt = &now
	e.Error = errMsg
}

func (e *Experiment) cancel(reason string) {
	now := time.Now().UTC()
	e.Status = ExperimentCancelled
	e.CompletedAt = &now
	e.Error = reason
}

// AnomalyEvent is a raw observed signal that may seed one or more hypotheses.
// Appended once to state and never mutated, except for the back-reference
// list of hypotheses generated from it.
type AnomalyEvent struct {
	ID                     string         `json:"id"`
	AnomalyType            AnomalyType    `json:"anomaly_type"`
	SourceTool             string         `json:"source_tool"` // e.g. "proxy", "browser", "terminal"
	Description            string         `json:"description"`
	Target                 string         `json:"target,omitempty"`
	RawData                map[string]any `json:"raw_data,omitempty"`
	EvidenceRefs           []EvidenceRef  `json:"evidence_refs,omitempty"`
	GeneratedHypothesisIDs []string       `json:"generated_hypothesis_ids,omitempty"`
	Timestamp              time.Time      `json:"timestamp"`
}

// NewAnomalyEvent creates an anomaly event with a fresh ID and timestamp.
func NewAnomalyEvent(anomalyType AnomalyType, sourceTool, description, target string) *AnomalyEvent {
	return &AnomalyEvent{
		ID:          newAnomalyID(),
		AnomalyType: anomalyType,
		SourceTool:  sourceTool,
		Description: description,
		Target:      target,
		RawData:     map[string]any{},
		Timestamp:   time.Now().UTC(),
	}
}

// DiscoveryMetrics is a derived aggregate view over the state's hypothesis
// and experiment collections. It is recomputed on demand and never
// independently authoritative.
type DiscoveryMetrics struct {
	TotalHypotheses          int     `json:"total_hypotheses"`
	QueuedHypotheses         int     `json:"queued_hypotheses"`
	ValidatedHypotheses      int     `json:"validated_hypotheses"`
	FalsifiedHypotheses      int     `json:"falsified_hypotheses"`
	InconclusiveHypotheses   int     `json:"inconclusive_hypotheses"`
	DedupedHypotheses        int     `json:"deduped_hypotheses"`
	TotalExperiments         int     `json:"total_experiments"`
	CompletedExperiments     int     `json:"completed_experiments"`
	FailedExperiments        int     `json:"failed_experiments"`
	TotalAnomalies           int     `json:"total_anomalies"`
	HypothesisConversionRate float64 `json:"hypothesis_conversion_rate"`
	NoveltyRatio             float64 `json:"novelty_ratio"`
}

func (m *DiscoveryMetrics) updateFromState(s *DiscoveryState) {
	m.TotalHypotheses = len(s.Hypotheses)
	m.QueuedHypotheses = 0
	m.ValidatedHypotheses = 0
	m.FalsifiedHypotheses = 0
	m.InconclusiveHypotheses = 0
	m.DedupedHypotheses = 0
	for _, h := range s.Hypotheses {
		switch h.Status {
		case HypothesisQueued:
			m.QueuedHypotheses++
		case HypothesisValidated:
			m.ValidatedHypotheses++
		case HypothesisFalsified:
			m.FalsifiedHypotheses++
		case HypothesisInconclusive:
			m.InconclusiveHypotheses++
		case HypothesisDeduped:
			m.DedupedHypotheses++
		}
	}

	m.TotalExperiments = len(s.Experiments)
	m.CompletedExperiments = 0
	m.FailedExperiments = 0
	for _, e := range s.Experiments {
		switch e.Status {
		case ExperimentCompleted:
			m.CompletedExperiments++
		case ExperimentFailed:
			m.FailedExperiments++
		}
	}

	m.TotalAnomalies = len(s.AnomalyEvents)

	tested := m.ValidatedHypotheses + m.FalsifiedHypotheses + m.InconclusiveHypotheses
	if tested > 0 {
		m.HypothesisConversionRate = float64(m.ValidatedHypotheses) / float64(tested)
	} else {
		m.HypothesisConversionRate = 0
	}
	if m.TotalHypotheses > 0 {
		m.NoveltyRatio = float64(m.TotalHypotheses-m.DedupedHypotheses) / float64(m.TotalHypotheses)
	}
}

// Default admission limits.
const (
	DefaultMaxHypothesesPerIteration = 5
	DefaultMaxConcurrentExperiments  = 3
)

// DiscoveryState is the aggregate root holding all hypotheses, experiments,
// and anomaly events for one scan.
//
// DiscoveryState itself is NOT safe for concurrent use. The Engine owns the
// state behind a single lock and serializes every public operation through
// it; components in this package assume they are called under that lock.
type DiscoveryState struct {
	Hypotheses    []*Hypothesis          `json:"hypotheses"`
	Experiments   []*Experiment          `json:"experiments"`
	AnomalyEvents []*AnomalyEvent        `json:"anomaly_events"`
	Metrics       DiscoveryMetrics       `json:"discovery_metrics"`
	EvidenceIndex map[string]EvidenceRef `json:"evidence_index,omitempty"`

	MaxHypothesesPerIteration int `json:"max_hypotheses_per_iteration"`
	MaxConcurrentExperiments  int `json:"max_concurrent_experiments"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDiscoveryState creates an empty state with default limits.
func NewDiscoveryState() *DiscoveryState {
	now := time.Now().UTC()
	return &DiscoveryState{
		EvidenceIndex:             map[string]EvidenceRef{},
		MaxHypothesesPerIteration: DefaultMaxHypothesesPerIteration,
		MaxConcurrentExperiments:  DefaultMaxConcurrentExperiments,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

// AddHypothesis appends a hypothesis, recomputing its priority first.
func (s *DiscoveryState) AddHypothesis(h *Hypothesis) string {
	h.ComputePriority()
	s.Hypotheses = append(s.Hypotheses, h)
	s.UpdatedAt = time.Now().UTC()
	return h.ID
}

// AddExperiment appends an experiment.
func (s *DiscoveryState) AddExperiment(e *Experiment) string {
	s.Experiments = append(s.Experiments, e)
	s.UpdatedAt = time.Now().UTC()
	return e.ID
}

// AddAnomaly appends an anomaly event.
func (s *DiscoveryState) AddAnomaly(a *AnomalyEvent) string {
	s.AnomalyEvents = append(s.AnomalyEvents, a)
	s.UpdatedAt = time.Now().UTC()
	return a.ID
}

// AddEvidence indexes an evidence reference under an arbitrary key.
func (s *DiscoveryState) AddEvidence(key string, ref EvidenceRef) {
	s.EvidenceIndex[key] = ref
	s.UpdatedAt = time.Now().UTC()
}

// RunningExperiments counts experiments currently in the running status.
func (s *DiscoveryState) RunningExperiments() int {
	count := 0
	for _, e := range s.Experiments {
		if e.Status == ExperimentRunning {
			count++
		}
	}
	return count
}

// HypothesisByID returns the hypothesis with the given ID, or nil.
func (s *DiscoveryState) HypothesisByID(id string) *Hypothesis {
	for _, h := range s.Hypotheses {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// ExperimentByID returns the experiment with the given ID, or nil.
func (s *DiscoveryState) ExperimentByID(id string) *Experiment {
	for _, e := range s.Experiments {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// UpdateMetrics recomputes the metrics snapshot from the current collections.
func (s *DiscoveryState) UpdateMetrics() DiscoveryMetrics {
	s.Metrics.updateFromState(s)
	s.UpdatedAt = time.Now().UTC()
	return s.Metrics
}

// Snapshot is the serializable persistence view of the discovery state,
// handed to the host application's persistence layer. The schema is owned
// by the host; no versioning is defined here.
type Snapshot struct {
	Hypotheses    []*Hypothesis          `json:"hypotheses"`
	Experiments   []*Experiment          `json:"experiments"`
	AnomalyEvents []*AnomalyEvent        `json:"anomaly_events"`
	Metrics       DiscoveryMetrics       `json:"discovery_metrics"`
	EvidenceIndex map[string]EvidenceRef `json:"evidence_index"`
}

// PersistenceSnapshot builds a snapshot of the state for serialization.
// Entity records are shared, not deep-copied: the caller is expected to
// serialize the snapshot before releasing the engine lock.
func (s *DiscoveryState) PersistenceSnapshot() *Snapshot {
	return &Snapshot{
		Hypotheses:    append([]*Hypothesis{}, s.Hypotheses...),
		Experiments:   append([]*Experiment{}, s.Experiments...),
		AnomalyEvents: append([]*AnomalyEvent{}, s.AnomalyEvents...),
		Metrics:       s.Metrics,
		EvidenceIndex: s.EvidenceIndex,
	}
}

package discovery

import (
	"fmt"
	"log/slog"
	"strings"
)

// ExperimentTask is a worker-ready task built from a queued hypothesis.
type ExperimentTask struct {
	HypothesisID    string   `json:"hypothesis_id"`
	TaskDescription string   `json:"task_description"`
	SuggestedName   string   `json:"suggested_name"`
	SuggestedSkills []string `json:"suggested_skills"`
}

// skillMap maps vulnerability class keywords to worker skill tags.
var skillMap = []struct {
	keyword string
	skills  []string
}{
	{"idor", []string{"idor"}},
	{"authorization", []string{"broken_function_level_authorization", "idor"}},
	{"injection", []string{"sql_injection"}},
	{"sql", []string{"sql_injection"}},
	{"xss", []string{"xss"}},
	{"ssrf", []string{"ssrf"}},
	{"rce", []string{"rce"}},
	{"information disclosure", []string{"information_disclosure"}},
	{"authentication", []string{"authentication_jwt"}},
	{"csrf", []string{"csrf"}},
	{"path traversal", []string{"path_traversal_lfi_rfi"}},
	{"redirect", []string{"open_redirect"}},
	{"race", []string{"race_conditions"}},
	{"xxe", []string{"xxe"}},
	{"file upload", []string{"insecure_file_uploads"}},
	{"mass assignment", []string{"mass_assignment"}},
}

// ExperimentScheduler selects top-priority hypotheses and turns them into
// worker task descriptions, respecting the concurrent experiment limit.
type ExperimentScheduler struct {
	state       *DiscoveryState
	prioritizer *HypothesisPrioritizer
	logger      *slog.Logger
}

// NewExperimentScheduler creates a scheduler bound to the given state.
func NewExperimentScheduler(state *DiscoveryState, logger *slog.Logger) *ExperimentScheduler {
	return &ExperimentScheduler{
		state:       state,
		prioritizer: NewHypothesisPrioritizer(state, logger),
		logger:      orDefault(logger),
	}
}

// GetNextTasks generates the next batch of experiment tasks, at most
// one per available concurrency slot. maxTasks <= 0 means slot-limited
// only. An empty batch means no slots or no queued work.
//
// GetNextTasks does not mutate state: the caller claims a task by calling
// MarkScheduled once a worker is assigned.
func (s *ExperimentScheduler) GetNextTasks(maxTasks int) []*ExperimentTask {
	availableSlots := s.state.MaxConcurrentExperiments - s.state.RunningExperiments()
	if availableSlots <= 0 {
		return nil
	}
	if maxTasks > 0 && maxTasks < availableSlots {
		availableSlots = maxTasks
	}

	ranked := s.prioritizer.RankQueued(availableSlots)
	var tasks []*ExperimentTask
	for _, h := range ranked {
		if task := s.buildTask(h.ID); task != nil {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

func (s *ExperimentScheduler) buildTask(hypothesisID string) *ExperimentTask {
	h := s.state.HypothesisByID(hypothesisID)
	if h == nil || h.Status != HypothesisQueued {
		return nil
	}

	evidenceSummary := ""
	if len(h.EvidenceRefs) > 0 {
		refs := h.EvidenceRefs
		if len(refs) > 3 {
			refs = refs[:3]
		}
		parts := make([]string, 0, len(refs))
		for _, ref := range refs {
			parts = append(parts, fmt.Sprintf("%s:%s", ref.Source, ref.RefID))
		}
		evidenceSummary = fmt.Sprintf("\nEvidence references: %s", strings.Join(parts, ", "))
	}

	taskDescription := fmt.Sprintf(
		"Investigate and validate the following security hypothesis:\n\n"+
			"Hypothesis: %s\n"+
			"Target: %s\n"+
			"Vulnerability Class: %s\n"+
			"Confidence: %.0f%%\n"+
			"Priority Score: %.3f\n"+
			"%s\n\n"+
			"Instructions:\n"+
			"1. Reproduce the observed anomaly on the target.\n"+
			"2. Attempt to confirm or deny the vulnerability.\n"+
			"3. If confirmed, document the proof of concept.\n"+
			"4. Report findings via agent_finish with:\n"+
			"   - success=true and findings if validated\n"+
			"   - success=false with explanation if falsified\n"+
			"5. Do NOT create a vulnerability report - the parent agent handles that.\n",
		h.Title, h.Target, h.VulnerabilityClass, h.Confidence*100, h.Priority, evidenceSummary)

	return &ExperimentTask{
		HypothesisID:    hypothesisID,
		TaskDescription: taskDescription,
		SuggestedName:   fmt.Sprintf("Discovery: %s on %s", h.VulnerabilityClass, truncate(h.Target, 40)),
		SuggestedSkills: suggestSkills(h.VulnerabilityClass),
	}
}

// MarkScheduled transitions a hypothesis to in-progress and creates a
// running experiment bound to the assigned worker. Returns the experiment
// ID, or "" when the hypothesis does not exist.
func (s *ExperimentScheduler) MarkScheduled(hypothesisID, agentID string) string {
	h := s.state.HypothesisByID(hypothesisID)
	if h == nil {
		return ""
	}

	experiment := NewExperiment(hypothesisID, fmt.Sprintf("Validate: %s", h.Title))
	experiment.start(agentID)
	experimentID := s.state.AddExperiment(experiment)

	h.Status = HypothesisInProgress
	h.ExperimentID = experimentID

	s.logger.Info("experiment scheduled",
		"experiment_id", experimentID,
		"hypothesis_id", hypothesisID,
		"agent_id", agentID)
	return experimentID
}

// HasPendingWork reports whether a queued hypothesis could be scheduled
// right now given available slots.
func (s *ExperimentScheduler) HasPendingWork() bool {
	if s.state.RunningExperiments() >= s.state.MaxConcurrentExperiments {
		return false
	}
	return len(s.prioritizer.RankQueued(1)) > 0
}

// ScheduleSummary is an observability view of the scheduling state.
type ScheduleSummary struct {
	QueuedHypotheses   int  `json:"queued_hypotheses"`
	RunningExperiments int  `json:"running_experiments"`
	MaxConcurrent      int  `json:"max_concurrent"`
	AvailableSlots     int  `json:"available_slots"`
	HasPendingWork     bool `json:"has_pending_work"`
}

// GetScheduleSummary reports queue depth, running experiments, and slots.
func (s *ExperimentScheduler) GetScheduleSummary() ScheduleSummary {
	running := s.state.RunningExperiments()
	queued := 0
	for _, h := range s.state.Hypotheses {
		if h.Status == HypothesisQueued {
			queued++
		}
	}
	return ScheduleSummary{
		QueuedHypotheses:   queued,
		RunningExperiments: running,
		MaxConcurrent:      s.state.MaxConcurrentExperiments,
		AvailableSlots:     max(0, s.state.MaxConcurrentExperiments-running),
		HasPendingWork:     s.HasPendingWork(),
	}
}

// suggestSkills maps a vulnerability class to worker skill tags, capped
// at three.
func suggestSkills(vulnClass string) []string {
	vulnLower := strings.ToLower(vulnClass)
	var skills []string
	for _, entry := range skillMap {
		if strings.Contains(vulnLower, entry.keyword) {
			skills = append(skills, entry.skills...)
		}
	}
	if len(skills) > 3 {
		skills = skills[:3]
	}
	return skills
}

package discovery

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// HypothesisPrioritizer ranks queued hypotheses and filters duplicates
// before experiment scheduling.
type HypothesisPrioritizer struct {
	state  *DiscoveryState
	logger *slog.Logger
}

// NewHypothesisPrioritizer creates a prioritizer bound to the given state.
func NewHypothesisPrioritizer(state *DiscoveryState, logger *slog.Logger) *HypothesisPrioritizer {
	return &HypothesisPrioritizer{state: state, logger: orDefault(logger)}
}

// RankQueued returns queued hypotheses sorted by priority, highest first.
// Priorities are recomputed before sorting so stale scores never order the
// queue. A limit <= 0 means no limit. The sort is stable: equal-priority
// hypotheses keep their insertion order.
func (p *HypothesisPrioritizer) RankQueued(limit int) []*Hypothesis {
	var queued []*Hypothesis
	for _, h := range p.state.Hypotheses {
		if h.Status == HypothesisQueued {
			queued = append(queued, h)
		}
	}

	for _, h := range queued {
		h.ComputePriority()
	}

	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].Priority > queued[j].Priority
	})

	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	return queued
}

// DeduplicateNewHypotheses filters out hypotheses that duplicate ones
// already in state. Duplicates are not dropped silently: they are added
// to state with status deduped and a back-reference to the original, so
// dedup effectiveness stays measurable.
func (p *HypothesisPrioritizer) DeduplicateNewHypotheses(newHypotheses []*Hypothesis) []*Hypothesis {
	var accepted []*Hypothesis

	for _, h := range newHypotheses {
		duplicateOf := p.findDuplicate(h)
		if duplicateOf != "" {
			h.Status = HypothesisDeduped
			h.ResultSummary = fmt.Sprintf("Duplicate of %s", duplicateOf)
			p.state.AddHypothesis(h)
			p.logger.Debug("hypothesis deduped",
				"title", h.Title,
				"duplicate_of", duplicateOf)
		} else {
			accepted = append(accepted, h)
		}
	}

	return accepted
}

// findDuplicate returns the ID of an existing hypothesis with the same
// normalized target and vulnerability class, or "". Deduped records are
// skipped so a chain of duplicates always points at a live original.
func (p *HypothesisPrioritizer) findDuplicate(h *Hypothesis) string {
	targetNorm := NormalizeTarget(h.Target)
	vulnClass := strings.TrimSpace(strings.ToLower(h.VulnerabilityClass))

	for _, existing := range p.state.Hypotheses {
		if existing.Status == HypothesisDeduped {
			continue
		}
		if NormalizeTarget(existing.Target) == targetNorm &&
			strings.TrimSpace(strings.ToLower(existing.VulnerabilityClass)) == vulnClass {
			return existing.ID
		}
	}
	return ""
}

// PrioritySummaryEntry is one row in the priority summary.
type PrioritySummaryEntry struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Priority           float64 `json:"priority"`
	VulnerabilityClass string  `json:"vulnerability_class"`
}

// PrioritySummary is an observability view of the queued hypothesis ranking.
type PrioritySummary struct {
	TotalQueued int                    `json:"total_queued"`
	Top         []PrioritySummaryEntry `json:"top_5"`
}

// GetPrioritySummary reports the queue size and the top five queued
// hypotheses by priority.
func (p *HypothesisPrioritizer) GetPrioritySummary() PrioritySummary {
	queued := p.RankQueued(0)
	summary := PrioritySummary{TotalQueued: len(queued)}

	top := queued
	if len(top) > 5 {
		top = top[:5]
	}
	for _, h := range top {
		summary.Top = append(summary.Top, PrioritySummaryEntry{
			ID:                 h.ID,
			Title:              h.Title,
			Priority:           math.Round(h.Priority*1000) / 1000,
			VulnerabilityClass: h.VulnerabilityClass,
		})
	}
	return summary
}

package discovery

import (
	"fmt"
	"log/slog"
)

// vulnMapping ties an anomaly type to a likely vulnerability class with
// base impact and evidence scores. For status code anomalies the mapping
// only applies when the observed code is in StatusCodes.
type vulnMapping struct {
	StatusCodes  map[int]bool
	VulnClass    string
	BaseImpact   float64
	BaseEvidence float64
}

// anomalyVulnMap drives hypothesis generation. The table is static: the
// generator contains no learned or model-driven behavior.
var anomalyVulnMap = map[AnomalyType][]vulnMapping{
	AnomalyStatusCode: {
		{
			StatusCodes:  map[int]bool{401: true, 403: true},
			VulnClass:    "Authorization Bypass",
			BaseImpact:   0.75,
			BaseEvidence: 0.4,
		},
		{
			StatusCodes:  map[int]bool{500: true, 502: true, 503: true},
			VulnClass:    "Server Error",
			BaseImpact:   0.5,
			BaseEvidence: 0.3,
		},
		{
			StatusCodes:  map[int]bool{405: true},
			VulnClass:    "Method Tampering",
			BaseImpact:   0.4,
			BaseEvidence: 0.3,
		},
	},
	AnomalyErrorLeak: {
		{VulnClass: "Information Disclosure", BaseImpact: 0.55, BaseEvidence: 0.6},
	},
	AnomalyInjectionSignal: {
		{VulnClass: "Injection", BaseImpact: 0.85, BaseEvidence: 0.5},
	},
	AnomalyTiming: {
		{VulnClass: "Timing Side-Channel", BaseImpact: 0.45, BaseEvidence: 0.35},
	},
	AnomalyAuthBypass: {
		{VulnClass: "Authentication Bypass", BaseImpact: 0.90, BaseEvidence: 0.5},
	},
	AnomalyUnexpectedData: {
		{VulnClass: "Information Disclosure", BaseImpact: 0.50, BaseEvidence: 0.4},
	},
	AnomalyResponseDiff: {
		{VulnClass: "IDOR", BaseImpact: 0.70, BaseEvidence: 0.45},
	},
}

// HypothesisGenerator converts anomaly events into scored hypotheses.
// It reads existing state for novelty and duplicate checks but never
// mutates it, other than recording generated hypothesis IDs back onto
// the source anomaly.
type HypothesisGenerator struct {
	state  *DiscoveryState
	logger *slog.Logger
}

// NewHypothesisGenerator creates a generator bound to the given state.
func NewHypothesisGenerator(state *DiscoveryState, logger *slog.Logger) *HypothesisGenerator {
	return &HypothesisGenerator{state: state, logger: orDefault(logger)}
}

// GenerateFromAnomaly generates hypotheses from a single anomaly event.
// Mappings whose status code guard does not match are skipped, as are
// mappings that would duplicate an existing non-deduped hypothesis.
func (g *HypothesisGenerator) GenerateFromAnomaly(anomaly *AnomalyEvent) []*Hypothesis {
	mappings := anomalyVulnMap[anomaly.AnomalyType]
	if len(mappings) == 0 {
		return nil
	}

	var hypotheses []*Hypothesis
	for _, mapping := range mappings {
		if mapping.StatusCodes != nil {
			if status, ok := asInt(anomaly.RawData["status_code"]); ok && !mapping.StatusCodes[status] {
				continue
			}
		}

		if g.isDuplicate(anomaly.Target, mapping.VulnClass) {
			continue
		}

		h := NewHypothesis(
			generateTitle(anomaly, mapping.VulnClass),
			fmt.Sprintf("%s_%s", anomaly.SourceTool, anomaly.AnomalyType),
			anomaly.Target,
			mapping.VulnClass,
		)
		h.Impact = mapping.BaseImpact
		h.Evidence = mapping.BaseEvidence
		h.Novelty = g.computeNovelty(anomaly.Target, mapping.VulnClass)
		h.Reachability = computeReachability(anomaly)
		h.EvidenceRefs = append([]EvidenceRef{}, anomaly.EvidenceRefs...)

		hypotheses = append(hypotheses, h)
		anomaly.GeneratedHypothesisIDs = append(anomaly.GeneratedHypothesisIDs, h.ID)
	}

	return hypotheses
}

// GenerateFromAnomalies generates hypotheses from a batch of anomaly events,
// capped at the state's per-iteration limit. The cap truncates, it does not
// reorder: prioritization happens downstream.
func (g *HypothesisGenerator) GenerateFromAnomalies(anomalies []*AnomalyEvent) []*Hypothesis {
	maxPerBatch := g.state.MaxHypothesesPerIteration
	var all []*Hypothesis

	for _, anomaly := range anomalies {
		if len(all) >= maxPerBatch {
			break
		}
		generated := g.GenerateFromAnomaly(anomaly)
		remaining := maxPerBatch - len(all)
		if len(generated) > remaining {
			generated = generated[:remaining]
		}
		all = append(all, generated...)
	}

	return all
}

func generateTitle(anomaly *AnomalyEvent, vulnClass string) string {
	return fmt.Sprintf("Potential %s on %s", vulnClass, truncate(anomaly.Target, 60))
}

func (g *HypothesisGenerator) isDuplicate(target, vulnClass string) bool {
	targetNorm := NormalizeTarget(target)
	for _, existing := range g.state.Hypotheses {
		if existing.VulnerabilityClass == vulnClass &&
			NormalizeTarget(existing.Target) == targetNorm &&
			existing.Status != HypothesisDeduped {
			return true
		}
	}
	return false
}

// computeNovelty scores how new this target/class combination is, penalizing
// repeated targets and vulnerability classes. Bounded to [0.1, 0.9].
func (g *HypothesisGenerator) computeNovelty(target, vulnClass string) float64 {
	if len(g.state.Hypotheses) == 0 {
		return 0.9 // first hypothesis is always novel
	}

	targetNorm := NormalizeTarget(target)
	sameTarget := 0
	sameClass := 0
	for _, h := range g.state.Hypotheses {
		if NormalizeTarget(h.Target) == targetNorm {
			sameTarget++
		}
		if h.VulnerabilityClass == vulnClass {
			sameClass++
		}
	}

	targetPenalty := min(float64(sameTarget)*0.2, 0.6)
	classPenalty := min(float64(sameClass)*0.1, 0.3)

	return max(0.1, 0.9-targetPenalty-classPenalty)
}

// computeReachability estimates how directly the anomaly's source tool can
// re-test the target. Proxy traffic can be replayed as-is, so it scores
// highest.
func computeReachability(anomaly *AnomalyEvent) float64 {
	switch anomaly.SourceTool {
	case "proxy":
		return 0.9
	case "browser":
		return 0.7
	case "terminal":
		return 0.6
	default:
		return 0.5
	}
}

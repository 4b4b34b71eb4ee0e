package discovery

import (
	"math"
	"strings"
	"testing"
)

func statusAnomaly(target string, status int) *AnomalyEvent {
	a := NewAnomalyEvent(AnomalyStatusCode, "proxy", "HTTP response", target)
	a.RawData["status_code"] = status
	return a
}

func TestGenerateFromStatusCodeAnomaly(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantClass  string
		wantImpact float64
	}{
		{"401 maps to authz bypass", 401, "Authorization Bypass", 0.75},
		{"403 maps to authz bypass", 403, "Authorization Bypass", 0.75},
		{"500 maps to server error", 500, "Server Error", 0.5},
		{"502 maps to server error", 502, "Server Error", 0.5},
		{"405 maps to method tampering", 405, "Method Tampering", 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewDiscoveryState()
			g := NewHypothesisGenerator(state, nil)

			got := g.GenerateFromAnomaly(statusAnomaly("GET /api/thing", tt.status))
			if len(got) != 1 {
				t.Fatalf("expected 1 hypothesis, got %d", len(got))
			}
			h := got[0]
			if h.VulnerabilityClass != tt.wantClass {
				t.Errorf("class = %q, want %q", h.VulnerabilityClass, tt.wantClass)
			}
			if h.Impact != tt.wantImpact {
				t.Errorf("impact = %f, want %f", h.Impact, tt.wantImpact)
			}
			if h.Status != HypothesisQueued {
				t.Errorf("status = %s, want queued", h.Status)
			}
			if h.Source != "proxy_status_code" {
				t.Errorf("source = %q", h.Source)
			}
		})
	}
}

func TestGenerateFromUnmappedStatusCode(t *testing.T) {
	state := NewDiscoveryState()
	g := NewHypothesisGenerator(state, nil)

	// 200 is in no status filter set: the anomaly yields nothing.
	got := g.GenerateFromAnomaly(statusAnomaly("GET /api/thing", 200))
	if len(got) != 0 {
		t.Fatalf("expected no hypotheses for status 200, got %d", len(got))
	}
	if len(state.Hypotheses) != 0 {
		t.Errorf("state should be untouched, has %d hypotheses", len(state.Hypotheses))
	}
}

func TestGenerateMappingTable(t *testing.T) {
	tests := []struct {
		anomalyType AnomalyType
		sourceTool  string
		wantClass   string
		wantImpact  float64
	}{
		{AnomalyErrorLeak, "terminal", "Information Disclosure", 0.55},
		{AnomalyInjectionSignal, "proxy", "Injection", 0.85},
		{AnomalyTiming, "proxy", "Timing Side-Channel", 0.45},
		{AnomalyAuthBypass, "proxy", "Authentication Bypass", 0.90},
		{AnomalyUnexpectedData, "terminal", "Information Disclosure", 0.50},
		{AnomalyResponseDiff, "proxy", "IDOR", 0.70},
	}

	for _, tt := range tests {
		t.Run(string(tt.anomalyType), func(t *testing.T) {
			state := NewDiscoveryState()
			g := NewHypothesisGenerator(state, nil)

			a := NewAnomalyEvent(tt.anomalyType, tt.sourceTool, "desc", "/some/target")
			got := g.GenerateFromAnomaly(a)
			if len(got) != 1 {
				t.Fatalf("expected 1 hypothesis, got %d", len(got))
			}
			if got[0].VulnerabilityClass != tt.wantClass {
				t.Errorf("class = %q, want %q", got[0].VulnerabilityClass, tt.wantClass)
			}
			if got[0].Impact != tt.wantImpact {
				t.Errorf("impact = %f, want %f", got[0].Impact, tt.wantImpact)
			}
		})
	}
}

func TestGenerateRecordsBackReference(t *testing.T) {
	state := NewDiscoveryState()
	g := NewHypothesisGenerator(state, nil)

	a := statusAnomaly("GET /api/admin", 403)
	got := g.GenerateFromAnomaly(a)
	if len(got) != 1 {
		t.Fatalf("expected 1 hypothesis, got %d", len(got))
	}
	if len(a.GeneratedHypothesisIDs) != 1 || a.GeneratedHypothesisIDs[0] != got[0].ID {
		t.Errorf("anomaly back-reference = %v, want [%s]", a.GeneratedHypothesisIDs, got[0].ID)
	}
}

func TestGenerateSkipsExistingDuplicates(t *testing.T) {
	state := NewDiscoveryState()
	g := NewHypothesisGenerator(state, nil)

	existing := NewHypothesis("existing", "proxy_status_code", "GET /api/users/1", "Authorization Bypass")
	state.AddHypothesis(existing)

	// Same normalized target, same class: nothing generated.
	got := g.GenerateFromAnomaly(statusAnomaly("GET /api/users/999", 403))
	if len(got) != 0 {
		t.Errorf("expected duplicate to be skipped, got %d hypotheses", len(got))
	}
}

func TestGenerateDedupedRecordsDoNotBlock(t *testing.T) {
	state := NewDiscoveryState()
	g := NewHypothesisGenerator(state, nil)

	deduped := NewHypothesis("old dupe", "proxy_status_code", "GET /api/users/1", "Authorization Bypass")
	deduped.Status = HypothesisDeduped
	state.AddHypothesis(deduped)

	got := g.GenerateFromAnomaly(statusAnomaly("GET /api/users/2", 401))
	if len(got) != 1 {
		t.Errorf("deduped records must not block new generation, got %d", len(got))
	}
}

func TestNoveltyFirstHypothesis(t *testing.T) {
	state := NewDiscoveryState()
	g := NewHypothesisGenerator(state, nil)

	got := g.GenerateFromAnomaly(statusAnomaly("GET /api/first", 403))
	if len(got) != 1 {
		t.Fatalf("expected 1 hypothesis, got %d", len(got))
	}
	if got[0].Novelty != 0.9 {
		t.Errorf("first hypothesis novelty = %f, want 0.9", got[0].Novelty)
	}
}

func TestNoveltyPenalties(t *testing.T) {
	state := NewDiscoveryState()
	g := NewHypothesisGenerator(state, nil)

	// Seed two hypotheses on the same target, one more on the same class.
	for i := 0; i < 2; i++ {
		state.AddHypothesis(NewHypothesis("h", "s", "GET /api/repeat", "Server Error"))
	}
	state.AddHypothesis(NewHypothesis("h", "s", "GET /api/other", "Injection"))

	// Same target (2 matches -> 0.4 penalty), class Injection (1 match -> 0.1).
	novelty := g.computeNovelty("GET /api/repeat", "Injection")
	want := 0.9 - 0.4 - 0.1
	if math.Abs(novelty-want) > 1e-9 {
		t.Errorf("novelty = %f, want %f", novelty, want)
	}
}

func TestNoveltyFloor(t *testing.T) {
	state := NewDiscoveryState()
	g := NewHypothesisGenerator(state, nil)

	for i := 0; i < 10; i++ {
		state.AddHypothesis(NewHypothesis("h", "s", "GET /api/same", "Injection"))
	}

	novelty := g.computeNovelty("GET /api/same", "Injection")
	if math.Abs(novelty-0.1) > 1e-9 {
		t.Errorf("novelty = %f, want floor 0.1", novelty)
	}
}

func TestReachabilityBySourceTool(t *testing.T) {
	tests := []struct {
		tool string
		want float64
	}{
		{"proxy", 0.9},
		{"browser", 0.7},
		{"terminal", 0.6},
		{"unknown", 0.5},
	}
	for _, tt := range tests {
		a := NewAnomalyEvent(AnomalyErrorLeak, tt.tool, "desc", "/t")
		if got := computeReachability(a); got != tt.want {
			t.Errorf("reachability(%s) = %f, want %f", tt.tool, got, tt.want)
		}
	}
}

func TestGenerateBatchCap(t *testing.T) {
	state := NewDiscoveryState()
	state.MaxHypothesesPerIteration = 2
	g := NewHypothesisGenerator(state, nil)

	anomalies := []*AnomalyEvent{
		statusAnomaly("GET /api/a", 403),
		statusAnomaly("GET /api/b", 401),
		statusAnomaly("GET /api/c", 500),
		statusAnomaly("GET /api/d", 405),
	}

	got := g.GenerateFromAnomalies(anomalies)
	if len(got) != 2 {
		t.Errorf("batch cap should limit to 2, got %d", len(got))
	}
}

func TestGenerateTitleTruncation(t *testing.T) {
	state := NewDiscoveryState()
	g := NewHypothesisGenerator(state, nil)

	longTarget := "GET /api/" + strings.Repeat("x", 100)
	a := statusAnomaly(longTarget, 403)
	got := g.GenerateFromAnomaly(a)
	if len(got) != 1 {
		t.Fatalf("expected 1 hypothesis, got %d", len(got))
	}
	// "Potential Authorization Bypass on " plus at most 60 chars of target
	if len(got[0].Title) > len("Potential Authorization Bypass on ")+60 {
		t.Errorf("title too long: %d chars", len(got[0].Title))
	}
}

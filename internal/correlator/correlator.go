// Package correlator matches API endpoints extracted from mobile app
// artifacts against endpoints observed in proxy traffic. Extracted
// endpoints that never appear in traffic are untested attack surface and
// become hypotheses for the discovery engine.
package correlator

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/esprit-cli/esprit/internal/discovery"
)

var apiURLPattern = regexp.MustCompile(`(?i)https?://[^\s"'<>\])]+`)

// Known SDK, CDN, and tracking domains that are never in-scope targets.
var excludeDomains = []string{
	"googleapis.com",
	"google.com",
	"apple.com",
	"facebook.com",
	"fbcdn.net",
	"crashlytics.com",
	"firebase.io",
	"firebaseio.com",
	"gstatic.com",
	"cloudfront.net",
	"amazonaws.com",
	"sentry.io",
	"mixpanel.com",
	"amplitude.com",
	"branch.io",
	"appsflyer.com",
	"adjust.com",
	"segment.io",
	"segment.com",
}

var excludeExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
	".css", ".js", ".woff", ".woff2", ".ttf", ".eot",
	".mp3", ".mp4", ".wav", ".avi",
	".zip", ".gz", ".tar",
}

// Fixed component scores for untested-endpoint hypotheses. These targets
// were never touched, so the scores are priors rather than observations.
const (
	untestedNovelty      = 0.85
	untestedImpact       = 0.60
	untestedEvidence     = 0.50
	untestedReachability = 0.80
)

// Endpoint is an API endpoint URL extracted from static analysis.
type Endpoint struct {
	URL        string `json:"url"`
	Normalized string `json:"normalized"`
	SourceFile string `json:"source_file,omitempty"`
}

// EndpointCorrelator accumulates extracted and observed endpoints across a
// scan. It is not safe for concurrent use; callers serialize access.
type EndpointCorrelator struct {
	extracted []Endpoint
	observed  map[string]bool
	logger    *slog.Logger
}

// New creates an empty correlator.
func New(logger *slog.Logger) *EndpointCorrelator {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointCorrelator{
		observed: map[string]bool{},
		logger:   logger,
	}
}

// ExtractEndpointsFromText scans decompiled source text for API endpoint
// URLs, skipping SDK domains and static assets. Each distinct normalized
// URL is returned once and remembered for later correlation.
func (c *EndpointCorrelator) ExtractEndpointsFromText(text, sourceFile string) []Endpoint {
	var endpoints []Endpoint
	seen := map[string]bool{}

	for _, match := range apiURLPattern.FindAllString(text, -1) {
		rawURL := strings.TrimRight(match, ".,;:\"')")
		normalized := normalizeURL(rawURL)

		if normalized == "" || seen[normalized] {
			continue
		}
		if shouldExcludeURL(rawURL) {
			continue
		}

		seen[normalized] = true
		endpoints = append(endpoints, Endpoint{
			URL:        rawURL,
			Normalized: normalized,
			SourceFile: sourceFile,
		})
	}

	c.extracted = append(c.extracted, endpoints...)
	return endpoints
}

// RegisterObservedEndpoint records an endpoint seen in proxy traffic.
func (c *EndpointCorrelator) RegisterObservedEndpoint(method, host, path string) {
	c.observed[normalizePath(strings.ToLower(host+path))] = true
}

// RegisterObservedFromRequests records endpoints from a proxy request
// listing. Returns the number registered.
func (c *EndpointCorrelator) RegisterObservedFromRequests(requests []map[string]any) int {
	count := 0
	for _, req := range requests {
		host, _ := req["host"].(string)
		path, _ := req["path"].(string)
		method, _ := req["method"].(string)
		if host != "" && path != "" {
			c.RegisterObservedEndpoint(method, host, path)
			count++
		}
	}
	return count
}

// FindUntestedEndpoints returns extracted endpoints not seen in traffic.
func (c *EndpointCorrelator) FindUntestedEndpoints() []Endpoint {
	var untested []Endpoint
	for _, endpoint := range c.extracted {
		parsed, err := url.Parse(endpoint.URL)
		if err != nil {
			untested = append(untested, endpoint)
			continue
		}
		hostPath := normalizePath(strings.ToLower(parsed.Hostname() + parsed.Path))
		if !c.observed[hostPath] {
			untested = append(untested, endpoint)
		}
	}
	return untested
}

// GenerateHypotheses builds hypotheses for every untested endpoint, with
// fixed prior scores.
func (c *EndpointCorrelator) GenerateHypotheses() []*discovery.Hypothesis {
	untested := c.FindUntestedEndpoints()
	hypotheses := make([]*discovery.Hypothesis, 0, len(untested))

	for _, endpoint := range untested {
		source := endpoint.SourceFile
		if source == "" {
			source = "mobile_app"
		}

		h := discovery.NewHypothesis(
			fmt.Sprintf("Untested mobile API endpoint: %s", truncate(endpoint.URL, 60)),
			"mobile_endpoint_extraction",
			endpoint.URL,
			"Untested Endpoint",
		)
		h.Novelty = untestedNovelty
		h.Impact = untestedImpact
		h.Evidence = untestedEvidence
		h.Reachability = untestedReachability
		h.EvidenceRefs = []discovery.EvidenceRef{
			discovery.NewEvidenceRef("mobile_static", source, fmt.Sprintf("Endpoint found in %s", source)),
		}
		hypotheses = append(hypotheses, h)
	}

	return hypotheses
}

// ExtractedCount returns the number of extracted endpoints.
func (c *EndpointCorrelator) ExtractedCount() int { return len(c.extracted) }

// ObservedCount returns the number of distinct observed endpoints.
func (c *EndpointCorrelator) ObservedCount() int { return len(c.observed) }

// normalizeURL canonicalizes a full URL to host+path form, delegating
// dynamic-segment replacement to the discovery package so correlator
// and engine agree on what counts as the same endpoint.
func normalizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToLower(rawURL)
	}
	path := strings.TrimRight(parsed.Path, "/")
	return discovery.NormalizeTarget(parsed.Hostname() + path)
}

func normalizePath(hostPath string) string {
	return discovery.NormalizeTarget(strings.TrimRight(hostPath, "/"))
}

func shouldExcludeURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	hostname := strings.ToLower(parsed.Hostname())
	for _, domain := range excludeDomains {
		if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
			return true
		}
	}
	pathLower := strings.ToLower(parsed.Path)
	for _, ext := range excludeExtensions {
		if strings.HasSuffix(pathLower, ext) {
			return true
		}
	}
	return false
}

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen-3] + "..."
}

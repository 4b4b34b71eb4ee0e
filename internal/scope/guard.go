// Package scope enforces target scope at the tool layer. The guard is
// deterministic: it checks outbound request hosts against the allowed set
// rather than relying on prompt instructions.
package scope

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// Mode controls how the guard reacts to out-of-scope requests.
type Mode string

const (
	// ModeWarn logs a warning but allows the request.
	ModeWarn Mode = "warn"
	// ModeBlock rejects out-of-scope requests.
	ModeBlock Mode = "block"
)

// IsValid checks if the mode value is valid
func (m Mode) IsValid() bool {
	return m == ModeWarn || m == ModeBlock
}

// CheckResult is the outcome of a scope check.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// Target describes one scan target definition.
type Target struct {
	Type    string            `json:"type"` // "web_application", "ip_address", "mobile_app"
	Details map[string]string `json:"details"`
}

// Guard holds the allowed host set for a scan. Not safe for concurrent
// use; callers serialize access.
type Guard struct {
	allowedHosts map[string]bool
	mode         Mode
	logger       *slog.Logger
}

// NewGuard creates a guard in the given mode. An invalid mode falls back
// to warn.
func NewGuard(mode Mode, logger *slog.Logger) *Guard {
	if !mode.IsValid() {
		mode = ModeWarn
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		allowedHosts: map[string]bool{},
		mode:         mode,
		logger:       logger,
	}
}

// RegisterTargets extracts allowed hosts from scan target definitions.
// Mobile app targets contribute nothing up front; their API hosts surface
// during analysis and are added via AddAllowedHost.
func (g *Guard) RegisterTargets(targets []Target) {
	for _, target := range targets {
		switch target.Type {
		case "web_application":
			if host := extractHost(target.Details["target_url"]); host != "" {
				g.allowedHosts[host] = true
			}
		case "ip_address":
			if ip := strings.ToLower(target.Details["target_ip"]); ip != "" {
				g.allowedHosts[ip] = true
			}
		}
	}
}

// AddAllowedHost dynamically adds a host to the allowed scope.
func (g *Guard) AddAllowedHost(host string) {
	normalized := strings.ToLower(strings.TrimSpace(host))
	if normalized != "" {
		g.allowedHosts[normalized] = true
	}
}

// AddAllowedHostsFromProxy adds hosts seen in proxy traffic to the allowed
// scope. Returns the number of new hosts added.
func (g *Guard) AddAllowedHostsFromProxy(requests []map[string]any) int {
	count := 0
	for _, req := range requests {
		host, _ := req["host"].(string)
		if host == "" {
			continue
		}
		normalized := strings.ToLower(strings.TrimSpace(host))
		if !g.allowedHosts[normalized] {
			g.allowedHosts[normalized] = true
			count++
		}
	}
	return count
}

// CheckURL checks whether a URL is within the allowed scope. An empty
// scope allows everything. Subdomains of allowed hosts are in scope.
func (g *Guard) CheckURL(rawURL string) CheckResult {
	if len(g.allowedHosts) == 0 {
		return CheckResult{Allowed: true, Reason: "no_scope_defined"}
	}

	host := extractHost(rawURL)
	if host == "" {
		return CheckResult{
			Allowed: false,
			Reason:  "invalid_url",
			Message: fmt.Sprintf("Could not extract host from URL: %s", rawURL),
		}
	}

	if g.allowedHosts[host] {
		return CheckResult{Allowed: true, Reason: "host_in_scope"}
	}
	for allowed := range g.allowedHosts {
		if strings.HasSuffix(host, "."+allowed) {
			return CheckResult{Allowed: true, Reason: "subdomain_in_scope"}
		}
	}

	message := fmt.Sprintf("Host %q is not in scan scope. Allowed: %s",
		host, strings.Join(g.AllowedHosts(), ", "))

	if g.mode == ModeBlock {
		g.logger.Warn("scope guard blocked request", "host", host)
		return CheckResult{Allowed: false, Reason: "out_of_scope", Message: message}
	}

	g.logger.Info("scope guard warning", "host", host)
	return CheckResult{Allowed: true, Reason: "out_of_scope_warned", Message: message}
}

// CheckRequestArgs checks tool arguments for send_request. Other tools
// pass: repeat_request replays an already-captured request, which was in
// scope when captured.
func (g *Guard) CheckRequestArgs(toolName string, args map[string]any) CheckResult {
	if toolName == "send_request" {
		if rawURL, _ := args["url"].(string); rawURL != "" {
			return g.CheckURL(rawURL)
		}
	}
	return CheckResult{Allowed: true, Reason: "not_applicable"}
}

// AllowedHosts returns the sorted allowed host list.
func (g *Guard) AllowedHosts() []string {
	hosts := make([]string, 0, len(g.allowedHosts))
	for host := range g.allowedHosts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Mode returns the guard's enforcement mode.
func (g *Guard) Mode() Mode {
	return g.mode
}

func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parsed.Hostname()))
}

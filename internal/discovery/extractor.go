package discovery

import (
	"fmt"
	"log/slog"
	"regexp"
)

// HTTP status codes worth a second look.
var interestingStatusCodes = map[int]bool{
	401: true,
	403: true,
	405: true,
	500: true,
	501: true,
	502: true,
	503: true,
}

// Patterns that suggest error information leakage.
var errorLeakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)stack\s*trace`),
	regexp.MustCompile(`(?i)traceback\s*\(most\s*recent`),
	regexp.MustCompile(`(?i)exception\s+in\s+thread`),
	regexp.MustCompile(`(?i)(sql|mysql|postgres|oracle|sqlite)\s*(error|exception|syntax)`),
	regexp.MustCompile(`(?i)at\s+[\w.]+\([\w.]+:\d+\)`),     // Java stack frame
	regexp.MustCompile(`(?i)File\s+"[^"]+",\s+line\s+\d+`),  // Python stack frame
	regexp.MustCompile(`(?i)internal\s+server\s+error`),
	regexp.MustCompile(`(?i)debug\s*mode\s*[=:]\s*(true|on|1|enabled)`),
}

// Patterns suggesting injection entry points.
var injectionSignalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(syntax\s+error|unterminated|unexpected\s+token)`),
	regexp.MustCompile(`(?i)you\s+have\s+an\s+error\s+in\s+your\s+sql`),
	regexp.MustCompile(`(?i)quoted\s+string\s+not\s+properly\s+terminated`),
	regexp.MustCompile(`(?i)unclosed\s+quotation\s+mark`),
	regexp.MustCompile(`(?i)<script[^>]*>`), // reflected XSS indicator
}

var endpointDiscoveryRe = regexp.MustCompile(`(?i)https?://[^\s"'<>]+/api/[^\s"'<>]+`)

// Slow response threshold in milliseconds.
const slowResponseThresholdMs = 5000

// SignalExtractor turns tool execution results into anomaly events.
// It is a pure function of its inputs: it never touches discovery state
// and emits events with empty GeneratedHypothesisIDs.
type SignalExtractor struct {
	logger *slog.Logger

	// baselineTimings holds per-target median roundtrip times.
	// TODO: populate from observed traffic so the timing check can use a
	// per-target baseline instead of the fixed slowResponseThresholdMs.
	baselineTimings map[string]float64
}

// NewSignalExtractor creates a signal extractor. A nil logger disables
// extraction debug logging.
func NewSignalExtractor(logger *slog.Logger) *SignalExtractor {
	return &SignalExtractor{
		logger:          orDefault(logger),
		baselineTimings: make(map[string]float64),
	}
}

// ExtractFromToolResult extracts anomaly events from a single tool execution
// result. Unknown tool names and malformed results produce an empty slice,
// never an error: one bad result must not break the observation pipeline.
func (x *SignalExtractor) ExtractFromToolResult(toolName string, toolArgs, result map[string]any) []*AnomalyEvent {
	if result == nil {
		return nil
	}

	switch toolName {
	case "list_requests":
		return x.extractFromListRequests(toolArgs, result)
	case "view_request":
		return x.extractFromViewRequest(toolArgs, result)
	case "send_request", "repeat_request":
		return x.extractFromSendRequest(toolArgs, result)
	case "terminal_execute":
		return x.extractFromTerminal(toolArgs, result)
	case "browser_action":
		return x.extractFromBrowser(toolArgs, result)
	default:
		return nil
	}
}

func (x *SignalExtractor) extractFromListRequests(args, result map[string]any) []*AnomalyEvent {
	var anomalies []*AnomalyEvent

	requests, _ := result["requests"].([]any)
	for _, item := range requests {
		req, ok := item.(map[string]any)
		if !ok {
			continue
		}

		response, _ := req["response"].(map[string]any)

		status, ok := asInt(req["status_code"])
		if !ok && response != nil {
			status, ok = asInt(response["statusCode"])
		}
		if ok && interestingStatusCodes[status] {
			path := asString(req["path"])
			host := asString(req["host"])
			method := asString(req["method"])
			target := fmt.Sprintf("%s %s", method, path)
			if host != "" {
				target = fmt.Sprintf("%s %s%s", method, host, path)
			}

			event := NewAnomalyEvent(AnomalyStatusCode, "proxy",
				fmt.Sprintf("HTTP %d response on %s", status, target), target)
			event.RawData = map[string]any{
				"status_code": status,
				"method":      method,
				"path":        path,
				"host":        host,
			}
			if reqID := asString(req["id"]); reqID != "" {
				event.EvidenceRefs = []EvidenceRef{NewEvidenceRef("proxy", reqID, "")}
			}
			anomalies = append(anomalies, event)
		}

		if response != nil {
			if roundtrip, ok := asFloat(response["roundtripTime"]); ok && roundtrip > slowResponseThresholdMs {
				path := asString(req["path"])
				event := NewAnomalyEvent(AnomalyTiming, "proxy",
					fmt.Sprintf("Slow response (%.0fms) on %s", roundtrip, path), path)
				event.RawData = map[string]any{"roundtrip_ms": roundtrip, "path": path}
				if reqID := asString(req["id"]); reqID != "" {
					event.EvidenceRefs = []EvidenceRef{NewEvidenceRef("proxy", reqID, "")}
				}
				anomalies = append(anomalies, event)
			}
		}
	}

	return anomalies
}

func (x *SignalExtractor) extractFromViewRequest(args, result map[string]any) []*AnomalyEvent {
	reqID := asString(args["request_id"])
	body := asString(result["body"])
	if body == "" {
		body = asString(result["content"])
	}

	var anomalies []*AnomalyEvent
	anomalies = append(anomalies, checkErrorLeak(body, "proxy", reqID, "")...)
	anomalies = append(anomalies, checkInjectionSignals(body, "proxy", reqID, "")...)
	return anomalies
}

func (x *SignalExtractor) extractFromSendRequest(args, result map[string]any) []*AnomalyEvent {
	var anomalies []*AnomalyEvent

	url := asString(args["url"])
	method := asString(args["method"])
	target := fmt.Sprintf("%s %s", method, url)
	reqID := asString(result["id"])

	if status, ok := asInt(result["status_code"]); ok && interestingStatusCodes[status] {
		event := NewAnomalyEvent(AnomalyStatusCode, "proxy",
			fmt.Sprintf("HTTP %d on crafted request to %s", status, target), target)
		event.RawData = map[string]any{"status_code": status, "url": url, "method": method}
		if reqID != "" {
			event.EvidenceRefs = []EvidenceRef{NewEvidenceRef("proxy", reqID, "")}
		}
		anomalies = append(anomalies, event)
	}

	if body, ok := result["body"].(string); ok {
		anomalies = append(anomalies, checkErrorLeak(body, "proxy", reqID, target)...)
		anomalies = append(anomalies, checkInjectionSignals(body, "proxy", reqID, target)...)
	}

	return anomalies
}

func (x *SignalExtractor) extractFromTerminal(args, result map[string]any) []*AnomalyEvent {
	content := asString(result["content"])
	if content == "" {
		content = asString(result["output"])
	}
	if content == "" {
		return nil
	}

	command := asString(args["command"])
	terminalID := asString(args["terminal_id"])
	if terminalID == "" {
		terminalID = "default"
	}
	refID := "terminal:" + terminalID

	anomalies := checkErrorLeak(content, "terminal", refID, command)

	if endpointDiscoveryRe.MatchString(content) {
		event := NewAnomalyEvent(AnomalyUnexpectedData, "terminal",
			fmt.Sprintf("Potential endpoint/URL discovery in command output: %s", truncateRaw(command, 80)),
			truncateRaw(command, 120))
		event.RawData = map[string]any{
			"command":         command,
			"content_preview": truncateRaw(content, 500),
		}
		event.EvidenceRefs = []EvidenceRef{NewEvidenceRef("terminal", refID, "")}
		anomalies = append(anomalies, event)
	}

	return anomalies
}

func (x *SignalExtractor) extractFromBrowser(args, result map[string]any) []*AnomalyEvent {
	var anomalies []*AnomalyEvent

	action := asString(args["action"])
	url := asString(result["url"])
	if url == "" {
		url = asString(args["url"])
	}

	if consoleLogs, ok := result["console_logs"].([]any); ok {
		var errorLogs []any
		for _, item := range consoleLogs {
			if log, ok := item.(map[string]any); ok && asString(log["type"]) == "error" {
				errorLogs = append(errorLogs, log)
			}
		}
		if len(errorLogs) > 0 {
			event := NewAnomalyEvent(AnomalyErrorLeak, "browser",
				fmt.Sprintf("Browser console errors on %s (%d errors)", url, len(errorLogs)), url)
			if len(errorLogs) > 5 {
				errorLogs = errorLogs[:5]
			}
			event.RawData = map[string]any{"errors": errorLogs, "action": action}
			event.EvidenceRefs = []EvidenceRef{NewEvidenceRef("browser", "console:"+url, "")}
			anomalies = append(anomalies, event)
		}
	}

	source := asString(result["source"])
	if source == "" {
		source = asString(result["page_source"])
	}
	if source != "" {
		anomalies = append(anomalies, checkInjectionSignals(source, "browser", "page:"+url, url)...)
	}

	return anomalies
}

// checkErrorLeak scans content against the error leak patterns. The first
// matching pattern wins: one leak signal per content block is enough.
func checkErrorLeak(content, sourceTool, refID, target string) []*AnomalyEvent {
	if content == "" {
		return nil
	}
	for _, pattern := range errorLeakPatterns {
		match := pattern.FindString(content)
		if match == "" {
			continue
		}
		event := NewAnomalyEvent(AnomalyErrorLeak, sourceTool,
			fmt.Sprintf("Error information leakage detected: %s", truncateRaw(match, 80)), target)
		event.RawData = map[string]any{"pattern": pattern.String(), "match": truncateRaw(match, 200)}
		event.EvidenceRefs = []EvidenceRef{NewEvidenceRef(sourceTool, refID, "")}
		return []*AnomalyEvent{event}
	}
	return nil
}

// checkInjectionSignals scans content against the injection patterns,
// first match wins.
func checkInjectionSignals(content, sourceTool, refID, target string) []*AnomalyEvent {
	if content == "" {
		return nil
	}
	for _, pattern := range injectionSignalPatterns {
		match := pattern.FindString(content)
		if match == "" {
			continue
		}
		event := NewAnomalyEvent(AnomalyInjectionSignal, sourceTool,
			fmt.Sprintf("Injection signal detected: %s", truncateRaw(match, 80)), target)
		event.RawData = map[string]any{"pattern": pattern.String(), "match": truncateRaw(match, 200)}
		event.EvidenceRefs = []EvidenceRef{NewEvidenceRef(sourceTool, refID, "")}
		return []*AnomalyEvent{event}
	}
	return nil
}

// truncateRaw cuts a string to maxLen without an ellipsis, for raw data
// previews where the original length is obvious from context.
func truncateRaw(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		// JSON decoding yields float64 for all numbers
		return int(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

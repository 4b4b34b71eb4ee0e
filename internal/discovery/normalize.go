package discovery

import (
	"regexp"
	"strings"
)

var (
	uuidSegmentRe    = regexp.MustCompile(`/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	numericSegmentRe = regexp.MustCompile(`/\d+(/|$)`)
)

var methodPrefixes = []string{"get ", "post ", "put ", "delete ", "patch ", "head ", "options "}

// NormalizeTarget canonicalizes a target string for duplicate comparison.
// It strips an HTTP method prefix, lowercases, and replaces dynamic path
// segments (numeric IDs, UUIDs) with a {id} placeholder, so that
// "GET /api/users/42" and "get /api/users/7" compare equal.
func NormalizeTarget(target string) string {
	target = strings.ToLower(strings.TrimSpace(target))

	for _, method := range methodPrefixes {
		if strings.HasPrefix(target, method) {
			target = target[len(method):]
			break
		}
	}

	target = uuidSegmentRe.ReplaceAllString(target, "/{id}")
	target = replaceNumericSegments(target)

	return target
}

// replaceNumericSegments rewrites every /<digits> path segment to /{id}.
// The regexp consumes the trailing slash, so adjacent numeric segments
// ("/1/2") need repeat passes until the string is stable.
func replaceNumericSegments(s string) string {
	for {
		next := numericSegmentRe.ReplaceAllString(s, "/{id}$1")
		if next == s {
			return s
		}
		s = next
	}
}

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen-3] + "..."
}

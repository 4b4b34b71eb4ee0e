package discovery

import "testing"

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"strips GET prefix", "GET /api/users", "/api/users"},
		{"strips POST prefix", "POST /api/login", "/api/login"},
		{"lowercases", "GET /API/Users", "/api/users"},
		{"numeric segment", "GET /api/users/42", "/api/users/{id}"},
		{"numeric segment mid-path", "GET /api/users/42/orders", "/api/users/{id}/orders"},
		{"adjacent numeric segments", "/api/users/1/2", "/api/users/{id}/{id}"},
		{"uuid segment", "GET /api/items/a1b2c3d4-e5f6-7890-abcd-ef1234567890", "/api/items/{id}"},
		{"numeric inside word untouched", "GET /api/v2/users", "/api/v2/users"},
		{"no method prefix", "/api/users/7", "/api/users/{id}"},
		{"whitespace trimmed", "  GET /api/users  ", "/api/users"},
		{"host and path", "GET example.com/api/users/9", "example.com/api/users/{id}"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTarget(tt.target); got != tt.want {
				t.Errorf("NormalizeTarget(%q) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}

func TestNormalizeTargetEquivalence(t *testing.T) {
	// Different IDs on the same route must normalize identically.
	a := NormalizeTarget("GET /api/invoices/42")
	b := NormalizeTarget("get /api/invoices/3157")
	if a != b {
		t.Errorf("expected %q == %q", a, b)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	got := truncate("abcdefghijklmnop", 10)
	if got != "abcdefg..." {
		t.Errorf("truncate = %q, want abcdefg...", got)
	}
	if len(got) != 10 {
		t.Errorf("truncated length = %d, want 10", len(got))
	}
}

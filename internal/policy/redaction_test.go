package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := Redact(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactSecrets(t *testing.T) {
	out, changed := Redact("call the api with API_KEY=sk-live-123 and Authorization: Bearer abc.def")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(out, "sk-live-123") || strings.Contains(out, "abc.def") {
		t.Fatalf("secret leaked: %q", out)
	}
	if !strings.Contains(out, "API_KEY=[REDACTED_SECRET]") {
		t.Fatalf("key name should survive: %q", out)
	}
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	in := "refactor the queue admission loop"
	out, changed := Redact(in)
	if changed || out != in {
		t.Fatalf("Redact(%q) = %q, %v", in, out, changed)
	}
}

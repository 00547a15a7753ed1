package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	secretPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|password|secret)(\s*[:=]\s*)\S+`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
)

// Redact masks credentials and common PII before text lands in an approval
// record or the event log.
func Redact(input string) (redacted string, changed bool) {
	out := input
	apply := func(re *regexp.Regexp, repl string) {
		next := re.ReplaceAllString(out, repl)
		changed = changed || next != out
		out = next
	}

	apply(secretPattern, "${1}${2}[REDACTED_SECRET]")
	apply(bearerPattern, "Bearer [REDACTED_SECRET]")
	apply(emailPattern, "[REDACTED_EMAIL]")
	// Cards before phones, otherwise long card numbers read as phone numbers.
	apply(cardPattern, "[REDACTED_CARD]")
	apply(phonePattern, "[REDACTED_PHONE]")

	return out, changed
}

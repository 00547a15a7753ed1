package policy

import (
	"regexp"
	"strings"
)

const (
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskBlocked = "blocked"
)

// Action categories map onto the workspace permission flags.
const (
	CategoryGeneral   = "general"
	CategoryShell     = "shell_command"
	CategoryNetwork   = "network_access"
	CategoryFileWrite = "file_write"
)

// Permissions is the subset of a workspace the policy needs.
type Permissions struct {
	AllowNetwork bool
	AllowShell   bool
	AllowWrites  bool
	AutoApprove  bool
}

type Decision struct {
	Risk             string
	Category         string
	RequiresApproval bool
	Blocked          bool
	Reason           string
}

var (
	blockedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
		regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret)\b`),
	}
	highRiskKeywords = []string{
		"delete", "remove", "drop", "truncate", "format", "wipe", "destroy",
		"shutdown", "reboot", "kill", "terminate",
		"chmod", "chown", "sudo", "install", "uninstall",
		"deploy", "push", "merge", "migrate", "write file",
	}
	mediumRiskKeywords = []string{
		"build", "create", "implement", "fix", "refactor", "update",
		"edit", "write", "add", "run", "test", "generate",
		"scaffold", "setup", "configure",
	}
	shellKeywords   = []string{"run", "execute", "install", "uninstall", "sudo", "chmod", "chown", "kill", "shell", "script", "make ", "build"}
	networkKeywords = []string{"deploy", "push", "download", "fetch", "curl", "wget", "upload", "http", "api call"}
	writeKeywords   = []string{"write", "edit", "create", "delete", "remove", "refactor", "fix", "implement", "scaffold", "update", "migrate", "generate", "add"}
)

// Decide classifies a task prompt and says whether it needs a human in the
// loop under perms. AutoApprove waives approval only for actions the
// workspace already permits.
func Decide(prompt string, perms Permissions) Decision {
	in := strings.ToLower(strings.TrimSpace(prompt))
	if in == "" {
		return Decision{Risk: RiskLow, Category: CategoryGeneral}
	}

	for _, re := range blockedPatterns {
		if re.MatchString(in) {
			return Decision{
				Risk:             RiskBlocked,
				Category:         categorize(in),
				RequiresApproval: true,
				Blocked:          true,
				Reason:           "Request appears to include destructive or secret-exfiltration behavior.",
			}
		}
	}

	d := Decision{Risk: RiskLow, Category: categorize(in)}
	switch {
	case containsAny(in, highRiskKeywords):
		d.Risk = RiskHigh
	case containsAny(in, mediumRiskKeywords):
		d.Risk = RiskMedium
	}

	if !permitted(d.Category, perms) {
		d.RequiresApproval = true
		d.Reason = "Workspace does not allow " + strings.ReplaceAll(d.Category, "_", " ") + "."
		return d
	}
	if d.Risk != RiskLow && !perms.AutoApprove {
		d.RequiresApproval = true
		d.Reason = "Action is " + d.Risk + " risk."
	}
	return d
}

// categorize picks the most privileged category the prompt touches.
func categorize(in string) string {
	switch {
	case containsAny(in, shellKeywords):
		return CategoryShell
	case containsAny(in, networkKeywords):
		return CategoryNetwork
	case containsAny(in, writeKeywords):
		return CategoryFileWrite
	default:
		return CategoryGeneral
	}
}

func permitted(category string, perms Permissions) bool {
	switch category {
	case CategoryShell:
		return perms.AllowShell
	case CategoryNetwork:
		return perms.AllowNetwork
	case CategoryFileWrite:
		return perms.AllowWrites
	default:
		return true
	}
}

func containsAny(in string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(in, kw) {
			return true
		}
	}
	return false
}

package runner

import "strings"

// sanitizedPrefixes are environment variable name prefixes stripped before
// spawning the model CLI, so a nested invocation doesn't inherit state
// that makes the CLI believe it is already running inside a session.
var sanitizedPrefixes = []string{"CLAUDE", "ANTHROPIC"}

// SanitizeEnv returns env with every variable whose name begins with
// CLAUDE or ANTHROPIC removed. When stripVSCode is true, variables
// beginning with VSCODE_ are also removed — spec.md §6's editor-
// integration case. Shared by the Task Runner and the Session Supervisor
// so the two sanitization call sites can't drift apart.
func SanitizeEnv(env []string, stripVSCode bool) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if hasAnyPrefix(name, sanitizedPrefixes) {
			continue
		}
		if stripVSCode && strings.HasPrefix(name, "VSCODE_") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// dangerousSubstrings are command fragments that classifyCommand flags
// for audit. Detection is informational only: spec.md keeps
// --dangerously-skip-permissions always-on, so a match never blocks
// execution, it only gets recorded via internal/audit.
var dangerousSubstrings = []string{
	"rm -rf",
	"rm -fr",
	" dd if=",
	"mkfs",
	":(){:|:&};:",
	"> /dev/sd",
}

// classifyCommand reports whether command contains a recognizable
// dangerous pattern, for audit purposes only.
func classifyCommand(command string) (dangerous bool, reason string) {
	lower := strings.ToLower(command)
	for _, pattern := range dangerousSubstrings {
		if strings.Contains(lower, pattern) {
			return true, "matched dangerous pattern: " + pattern
		}
	}
	return false, ""
}

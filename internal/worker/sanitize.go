package worker

import (
	"regexp"
	"strings"
)

// maxErrorLen caps the error summary stored on a failed task. Engine
// failures can embed entire responses; the task row keeps a summary,
// the worker log keeps the rest.
const maxErrorLen = 500

var (
	absPathPattern  = regexp.MustCompile(`(?:/[\w.-]+){2,}`)
	secretPattern   = regexp.MustCompile(`(?i)\b(?:sk|key|token|secret|bearer)[-_ ]?[A-Za-z0-9_\-]{16,}`)
	hostPortPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`)
)

// SanitizeError reduces a raw engine or runtime error to a summary safe
// to store on the task and broadcast to clients: filesystem paths,
// credential-shaped strings, and network addresses are redacted, and
// the result is truncated.
func SanitizeError(msg string) string {
	if msg == "" {
		return ""
	}
	msg = secretPattern.ReplaceAllString(msg, "[redacted]")
	msg = absPathPattern.ReplaceAllString(msg, "[path]")
	msg = hostPortPattern.ReplaceAllString(msg, "[addr]")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen] + "..."
	}
	return msg
}

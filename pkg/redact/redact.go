// Package redact scrubs credentials from error messages before they are
// stored or logged, and clamps operational limits.
//
// Sync errors frequently embed upstream request detail (URLs with
// userinfo, token headers, query strings), so every message the queue
// persists goes through Clean first.
package redact

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxErrorMessageLength is the maximum length for stored error
	// messages.
	MaxErrorMessageLength = 4096

	// MaxJobTypeNameLength is the maximum length for job type names.
	MaxJobTypeNameLength = 255

	// MaxPayloadSize is the maximum size in bytes for job payloads (1MB).
	MaxPayloadSize = 1 << 20

	// MaxAttempts is the hard limit for job attempts.
	MaxAttempts = 100

	// MaxConcurrency is the hard limit for worker concurrency.
	MaxConcurrency = 1000
)

// Placeholder substituted for scrubbed values.
const placeholder = "[REDACTED]"

var (
	// ErrInvalidJobTypeName is returned for empty or malformed job
	// type names.
	ErrInvalidJobTypeName = errors.New("scmsync: invalid job type name")

	// ErrJobTypeNameTooLong is returned for over-long job type names.
	ErrJobTypeNameTooLong = errors.New("scmsync: job type name too long")
)

// validJobTypeName matches alphanumeric, hyphens, underscores, and dots.
var validJobTypeName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

var redactions = []struct {
	pattern *regexp.Regexp
	replace string
}{
	// PRIVATE-TOKEN and similar header or key=value token assignments.
	// Values stop at & so query strings keep their later parameters.
	{regexp.MustCompile(`(?i)(private[-_]?token\s*[:=]\s*)[^&\s]+`), "${1}" + placeholder},
	// Authorization headers.
	{regexp.MustCompile(`(?i)(authorization\s*:\s*(?:bearer|basic)\s+)\S+`), "${1}" + placeholder},
	// GitLab personal access tokens appearing bare in messages.
	{regexp.MustCompile(`glpat-[A-Za-z0-9_\-]{10,}`), placeholder},
	// Credentials embedded in URL userinfo.
	{regexp.MustCompile(`(https?://)[^/\s:@]+:[^/\s@]+@`), "${1}" + placeholder + "@"},
	// Sensitive query parameters.
	{regexp.MustCompile(`(?i)([?&](?:private_token|access_token|token|password|secret)=)[^&\s]+`), "${1}" + placeholder},
}

// Redact replaces credential material in msg with a placeholder.
func Redact(msg string) string {
	for _, r := range redactions {
		msg = r.pattern.ReplaceAllString(msg, r.replace)
	}
	return msg
}

// Clean redacts credentials, strips control characters and truncates
// msg for storage. Redaction runs before truncation so a secret can
// never survive by straddling the cut.
func Clean(msg string) string {
	if msg == "" {
		return ""
	}

	msg = Redact(msg)

	var sanitized strings.Builder
	sanitized.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}
	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}
	return result
}

// ValidateJobTypeName validates a physical job type name.
func ValidateJobTypeName(name string) error {
	if name == "" {
		return ErrInvalidJobTypeName
	}
	if len(name) > MaxJobTypeNameLength {
		return ErrJobTypeNameTooLong
	}
	if !validJobTypeName.MatchString(name) {
		return ErrInvalidJobTypeName
	}
	return nil
}

// ClampAttempts keeps a max-attempts value within limits. Zero means
// unlimited and is preserved.
func ClampAttempts(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampConcurrency keeps worker concurrency within limits.
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

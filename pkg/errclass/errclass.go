// Package errclass classifies free-text error messages into a closed
// category vocabulary and a permanent/transient/unknown verdict.
//
// Classification is pure string matching: no I/O, no clock reads, the
// same input always yields the same result. The reaper uses it to
// decide between dead and failed-with-backoff, and the fetch layer uses
// it to feed the degradation controller.
package errclass

import "strings"

// Category is the closed vocabulary of error categories. Backoff math
// and degradation thresholds key off these values, never off raw
// strings.
type Category string

const (
	CategoryTimeout         Category = "timeout"
	CategoryRateLimited     Category = "rate_limited"
	CategoryConnection      Category = "connection"
	CategoryServerError     Category = "server_error"
	CategoryContentTooLarge Category = "content_too_large"
	CategoryValidation      Category = "validation"
	CategoryAuth            Category = "auth"
	CategoryNotFound        Category = "not_found"
	CategoryUnknown         Category = "unknown"
)

// KnownCategory reports whether c is part of the vocabulary, excluding
// the unknown sentinel.
func KnownCategory(c Category) bool {
	switch c {
	case CategoryTimeout, CategoryRateLimited, CategoryConnection,
		CategoryServerError, CategoryContentTooLarge, CategoryValidation,
		CategoryAuth, CategoryNotFound:
		return true
	}
	return false
}

// Classification is the verdict for one error message. At most one of
// Permanent and Transient is true; both false means the classifier
// could not recognize the message.
type Classification struct {
	Permanent bool
	Transient bool
	Category  Category
}

// Unknown reports whether the classifier recognized nothing.
func (c Classification) Unknown() bool {
	return !c.Permanent && !c.Transient
}

type rule struct {
	category  Category
	permanent bool
	patterns  []string
}

// Rule order matters: more specific patterns run first so that, for
// example, "connection timeout" lands in timeout rather than
// connection, and "invalid token" in auth rather than validation.
var rules = []rule{
	{
		category:  CategoryContentTooLarge,
		permanent: true,
		patterns:  []string{"content too large", "payload too large", "request entity too large", "too large", "413"},
	},
	{
		category: CategoryRateLimited,
		patterns: []string{"rate limit", "too many requests", "429"},
	},
	{
		category: CategoryTimeout,
		patterns: []string{"timeout", "timed out", "deadline exceeded"},
	},
	{
		category: CategoryConnection,
		patterns: []string{"connection refused", "connection reset", "broken pipe", "no such host", "network is unreachable", "unexpected eof"},
	},
	{
		category: CategoryServerError,
		patterns: []string{"internal server error", "bad gateway", "service unavailable", "500", "502", "503"},
	},
	{
		category:  CategoryAuth,
		permanent: true,
		patterns:  []string{"unauthorized", "forbidden", "authentication failed", "invalid token", "permission denied", "401", "403"},
	},
	{
		category:  CategoryNotFound,
		permanent: true,
		patterns:  []string{"not found", "no such project", "does not exist", "404"},
	},
	{
		category:  CategoryValidation,
		permanent: true,
		patterns:  []string{"validation", "invalid", "malformed", "bad request", "unprocessable", "400"},
	},
}

// Classifier turns error messages into classifications. Construct one
// with New and inject it; the zero value is not usable.
type Classifier struct {
	rules []rule
}

// New returns a classifier with the default rule set.
func New() *Classifier {
	return &Classifier{rules: rules}
}

// Classify matches message against the rule set, case-insensitively.
// Unrecognized or empty messages yield an unknown classification.
func (c *Classifier) Classify(message string) Classification {
	msg := strings.ToLower(message)
	if strings.TrimSpace(msg) == "" {
		return Classification{Category: CategoryUnknown}
	}
	for _, r := range c.rules {
		for _, p := range r.patterns {
			if strings.Contains(msg, p) {
				return Classification{
					Permanent: r.permanent,
					Transient: !r.permanent,
					Category:  r.category,
				}
			}
		}
	}
	return Classification{Category: CategoryUnknown}
}

// FromCategory returns the verdict for an already-known category, for
// callers that receive a category hint instead of a raw message.
func (c *Classifier) FromCategory(cat Category) Classification {
	for _, r := range c.rules {
		if r.category == cat {
			return Classification{
				Permanent: r.permanent,
				Transient: !r.permanent,
				Category:  cat,
			}
		}
	}
	return Classification{Category: CategoryUnknown}
}

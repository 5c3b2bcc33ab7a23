package reaper

import (
	"log/slog"

	"github.com/repoharvest/scmsync/pkg/errclass"
)

// Option configures a Reaper.
type Option interface {
	apply(*Reaper)
}

type optionFunc func(*Reaper)

func (f optionFunc) apply(r *Reaper) { f(r) }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return optionFunc(func(r *Reaper) {
		if log != nil {
			r.log = log
		}
	})
}

// WithClassifier replaces the default error classifier.
func WithClassifier(c *errclass.Classifier) Option {
	return optionFunc(func(r *Reaper) {
		if c != nil {
			r.classifier = c
		}
	})
}

package jobtype

import (
	"errors"
	"fmt"
)

// ErrRepoKindRequired is returned by Normalize when the input is a
// logical type and no repo kind was supplied.
var ErrRepoKindRequired = errors.New("scmsync: repo kind required")

// InvalidCombinationError reports a logical job type paired with a repo
// kind that does not support it.
type InvalidCombinationError struct {
	JobType  string
	RepoKind RepoKind
}

func (e *InvalidCombinationError) Error() string {
	return fmt.Sprintf("scmsync: job type %q is not valid for repo kind %q", e.JobType, e.RepoKind)
}

// UnknownTypeError reports a job type outside the registry's
// vocabulary.
type UnknownTypeError struct {
	JobType string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("scmsync: unknown job type %q", e.JobType)
}

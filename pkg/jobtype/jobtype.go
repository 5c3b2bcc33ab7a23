// Package jobtype translates between logical sync intents and the
// physical queue keys stored on jobs.
//
// Logical types (commits, mrs, reviews, svn) are what configuration and
// policy layers speak. Physical types (gitlab_commits, gitlab_mrs,
// gitlab_reviews, svn) are the actual queue keys, so that every code
// path enqueueing or claiming work computes the same key for the same
// semantic job. The registry is stateless and all methods are pure.
package jobtype

import (
	"fmt"
	"strings"
)

// RepoKind identifies the SCM backend of a repository.
type RepoKind string

const (
	RepoKindGit RepoKind = "git"
	RepoKindSVN RepoKind = "svn"
)

// Logical job types.
const (
	LogicalCommits = "commits"
	LogicalMRs     = "mrs"
	LogicalReviews = "reviews"
	LogicalSVN     = "svn"
)

// Physical queue keys.
const (
	PhysicalGitlabCommits = "gitlab_commits"
	PhysicalGitlabMRs     = "gitlab_mrs"
	PhysicalGitlabReviews = "gitlab_reviews"
	PhysicalSVN           = "svn"
)

// UnknownPriority is the priority assigned to physical types the
// registry does not know. Lower values are claimed first, so unknown
// types sort behind all known work.
const UnknownPriority = 1000

var (
	physicalToLogical = map[string]string{
		PhysicalGitlabCommits: LogicalCommits,
		PhysicalGitlabMRs:     LogicalMRs,
		PhysicalGitlabReviews: LogicalReviews,
		PhysicalSVN:           LogicalCommits,
	}

	logicalToPhysical = map[RepoKind]map[string]string{
		RepoKindGit: {
			LogicalCommits: PhysicalGitlabCommits,
			LogicalMRs:     PhysicalGitlabMRs,
			LogicalReviews: PhysicalGitlabReviews,
		},
		RepoKindSVN: {
			LogicalCommits: PhysicalSVN,
			LogicalSVN:     PhysicalSVN,
		},
	}

	defaultPriorities = map[string]int{
		PhysicalGitlabCommits: 100,
		PhysicalGitlabMRs:     200,
		PhysicalGitlabReviews: 300,
		PhysicalSVN:           100,
	}

	physicalToKind = map[string]RepoKind{
		PhysicalGitlabCommits: RepoKindGit,
		PhysicalGitlabMRs:     RepoKindGit,
		PhysicalGitlabReviews: RepoKindGit,
		PhysicalSVN:           RepoKindSVN,
	}

	knownLogical = map[string]bool{
		LogicalCommits: true,
		LogicalMRs:     true,
		LogicalReviews: true,
		LogicalSVN:     true,
	}
)

// Registry maps logical job types onto physical queue keys and back.
// Construct one per process with New and inject it wherever job types
// are produced or consumed.
type Registry struct{}

// New returns a job type registry.
func New() *Registry { return &Registry{} }

// LogicalToPhysical resolves a logical job type for a repo kind into
// the physical queue key. Unknown logical types return an
// *UnknownTypeError; known types paired with the wrong repo kind
// return an *InvalidCombinationError.
func (r *Registry) LogicalToPhysical(logical string, kind RepoKind) (string, error) {
	l := normalize(logical)
	k := normalizeKind(kind)
	if !knownLogical[l] {
		return "", &UnknownTypeError{JobType: logical}
	}
	physical, ok := logicalToPhysical[k][l]
	if !ok {
		return "", &InvalidCombinationError{JobType: l, RepoKind: k}
	}
	return physical, nil
}

// PhysicalToLogical returns the logical type behind a physical queue
// key. The mapping is total: svn collapses to commits, and unrecognized
// keys pass through unchanged.
func (r *Registry) PhysicalToLogical(physical string) string {
	p := normalize(physical)
	if logical, ok := physicalToLogical[p]; ok {
		return logical
	}
	return p
}

// Normalize resolves a job type that may be logical or physical into
// the physical queue key. Physical input is returned as-is, so the
// operation is idempotent. Logical input needs kind; with kind empty
// the call fails wrapping ErrRepoKindRequired.
func (r *Registry) Normalize(jobType string, kind RepoKind) (string, error) {
	n := normalize(jobType)
	if _, ok := physicalToLogical[n]; ok {
		return n, nil
	}
	if !knownLogical[n] {
		return "", &UnknownTypeError{JobType: jobType}
	}
	if normalizeKind(kind) == "" {
		return "", fmt.Errorf("%w for logical type %q", ErrRepoKindRequired, n)
	}
	return r.LogicalToPhysical(n, kind)
}

// SupportedPhysicalTypes returns the physical queue keys available for
// a repo kind, in priority order.
func (r *Registry) SupportedPhysicalTypes(kind RepoKind) []string {
	switch normalizeKind(kind) {
	case RepoKindGit:
		return []string{PhysicalGitlabCommits, PhysicalGitlabMRs, PhysicalGitlabReviews}
	case RepoKindSVN:
		return []string{PhysicalSVN}
	}
	return nil
}

// SupportedLogicalTypes returns the logical types available for a repo
// kind.
func (r *Registry) SupportedLogicalTypes(kind RepoKind) []string {
	switch normalizeKind(kind) {
	case RepoKindGit:
		return []string{LogicalCommits, LogicalMRs, LogicalReviews}
	case RepoKindSVN:
		return []string{LogicalCommits}
	}
	return nil
}

// DefaultPriority returns the scheduling priority for a physical queue
// key. Lower values are claimed first. Unknown keys get
// UnknownPriority rather than an error since priority is advisory.
func (r *Registry) DefaultPriority(physical string) int {
	if p, ok := defaultPriorities[normalize(physical)]; ok {
		return p
	}
	return UnknownPriority
}

// InferRepoKind returns the repo kind a physical queue key belongs to.
func (r *Registry) InferRepoKind(physical string) (RepoKind, error) {
	if kind, ok := physicalToKind[normalize(physical)]; ok {
		return kind, nil
	}
	return "", &UnknownTypeError{JobType: physical}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeKind(kind RepoKind) RepoKind {
	return RepoKind(normalize(string(kind)))
}

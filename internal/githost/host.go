// Package githost is the contract with the git hosting service that owns the
// handbook's content repository and its pull requests.
package githost

import (
	"context"
	"errors"

	"handbook/api/internal/store"
)

var (
	// ErrNotMergeable is returned by Merge while the host reports conflicts.
	ErrNotMergeable  = errors.New("githost: pull request is not mergeable")
	// ErrAlreadyMerged is returned by Mergeable once the host has merged the
	// pull request.
	ErrAlreadyMerged = errors.New("githost: pull request is already merged")
	ErrNotFound      = errors.New("githost: not found")
)

type File struct {
	Path    string
	Content []byte
	Deleted bool
}

type PullRequestSpec struct {
	Branch string
	Title  string
	Body   string
}

type Host interface {
	// PushFiles commits files onto branch, creating it from the base branch
	// when it does not exist yet.
	PushFiles(ctx context.Context, org store.OrgID, branch string, files []File, message string) error
	OpenPullRequest(ctx context.Context, org store.OrgID, spec PullRequestSpec) (int, error)
	Mergeable(ctx context.Context, org store.OrgID, number int) (bool, error)
	Merge(ctx context.Context, org store.OrgID, number int, message string) error
	Close(ctx context.Context, org store.OrgID, number int) error
	// UpdateBranch moves the pull request branch onto the current base so a
	// resolved conflict can be pushed on top.
	UpdateBranch(ctx context.Context, org store.OrgID, number int) error
}

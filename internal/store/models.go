package store

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// OrgID scopes every organization-owned read and write. There is no
// unscoped variant of any tenant query.
type OrgID int64

// DefaultCategoryID is the organization-agnostic "uncategorized" root.
const (
	DefaultCategoryID   int64 = 1
	DefaultCategorySlug       = "uncategorized"
)

type EntityKind string

const (
	KindDocument EntityKind = "document"
	KindCategory EntityKind = "category"
)

type VersionStatus string

const (
	StatusDraft         VersionStatus = "draft"
	StatusPendingReview VersionStatus = "pending_review"
	StatusMerged        VersionStatus = "merged"
	StatusDeleted       VersionStatus = "deleted"
)

// Lifecycle is carried by every soft-deletable record.
type Lifecycle struct {
	DeletedAt *time.Time
}

func (l Lifecycle) IsDeleted() bool {
	return l.DeletedAt != nil
}

// Lookup opts a read into rows whose lifecycle is deleted.
type Lookup struct {
	IncludeDeleted bool
}

var IncludeDeleted = Lookup{IncludeDeleted: true}

type Organization struct {
	ID        OrgID
	Name      string
	Slug      string
	CreatedAt time.Time
}

type Membership struct {
	OrganizationID OrgID
	UserID         int64
	Role           string
}

type Entity struct {
	ID             int64
	OrganizationID OrgID
	Kind           EntityKind
	CreatedAt      time.Time
}

type Version struct {
	ID             int64
	EntityID       int64
	OrganizationID OrgID
	Kind           EntityKind
	Title          string
	Description    string
	Content        string
	Slug           string
	SidebarLabel   string
	Position       int
	ParentID       *int64
	Status         VersionStatus
	UserBranchID   *int64
	EditSessionID  *int64
	BaseVersionID  *int64
	MergeSeq       int64
	MergedAt       *time.Time
	Lifecycle
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UserBranch struct {
	ID             int64
	OrganizationID OrgID
	UserID         int64
	BranchName     string
	IsActive       bool
	Lifecycle
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PullRequestStatus string

const (
	PROpened   PullRequestStatus = "opened"
	PRMerged   PullRequestStatus = "merged"
	PRClosed   PullRequestStatus = "closed"
	PRConflict PullRequestStatus = "conflict"
)

// IsOpen reports whether the pull request still holds its branch.
func (s PullRequestStatus) IsOpen() bool {
	return s == PROpened || s == PRConflict
}

type PullRequest struct {
	ID             int64
	OrganizationID OrgID
	UserBranchID   int64
	UserID         int64
	AuthorEmail    string
	Title          string
	Body           string
	Status         PullRequestStatus
	PRNumber       int
	Reviewers      []int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type EditSession struct {
	ID             int64
	OrganizationID OrgID
	PullRequestID  int64
	UserID         int64
	Token          string
	IsActive       bool
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type FixRequestStatus string

const (
	FixPending FixRequestStatus = "pending"
	FixApplied FixRequestStatus = "applied"
)

// FixChange proposes new field values for one draft version. Nil fields
// keep the draft's value.
type FixChange struct {
	VersionID    int64   `json:"version_id"`
	Title        *string `json:"title,omitempty"`
	Slug         *string `json:"slug,omitempty"`
	SidebarLabel *string `json:"sidebar_label,omitempty"`
	Description  *string `json:"description,omitempty"`
	Position     *int    `json:"position,omitempty"`
	Content      *string `json:"content,omitempty"`
}

type FixRequest struct {
	ID             int64
	OrganizationID OrgID
	PullRequestID  int64
	UserID         int64
	Token          string
	Title          string
	Description    string
	Changes        []FixChange
	Status         FixRequestStatus
	ExpiresAt      time.Time
	AppliedAt      *time.Time
	CreatedAt      time.Time
}

type ActivityLog struct {
	ID             int64
	OrganizationID OrgID
	PullRequestID  int64
	UserID         int64
	Action         string
	CreatedAt      time.Time
}

// ConflictTemporary points at a staged conflict resolution payload kept in
// object storage until the conflict is resolved.
type ConflictTemporary struct {
	ID             int64
	OrganizationID OrgID
	PullRequestID  int64
	EntityID       int64
	Kind           EntityKind
	ObjectKey      string
	UserID         int64
	Lifecycle
	CreatedAt time.Time
	UpdatedAt time.Time
}

func encodeChanges(changes []FixChange) ([]byte, error) {
	if changes == nil {
		changes = []FixChange{}
	}
	return json.Marshal(changes)
}

func decodeChanges(raw []byte) ([]FixChange, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var changes []FixChange
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

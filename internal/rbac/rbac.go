package rbac

import (
	"context"
	"errors"
	"fmt"

	"handbook/api/internal/store"
)

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionPropose Action = "propose"
	ActionReview  Action = "review"
	ActionApprove Action = "approve"
	ActionMerge   Action = "merge"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionPropose || action == ActionReview
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

type MemberLookup interface {
	MemberRole(ctx context.Context, org store.OrgID, userID int64) (string, error)
}

// Authorizer answers capability questions at the edge of privileged
// operations. A user without a membership is treated as a viewer.
type Authorizer struct {
	members MemberLookup
}

func NewAuthorizer(members MemberLookup) *Authorizer {
	return &Authorizer{members: members}
}

func (a *Authorizer) Role(ctx context.Context, org store.OrgID, userID int64) (Role, error) {
	role, err := a.members.MemberRole(ctx, org, userID)
	if errors.Is(err, store.ErrNotFound) {
		return RoleViewer, nil
	}
	if err != nil {
		return "", fmt.Errorf("load member role: %w", err)
	}
	return Normalize(role), nil
}

func (a *Authorizer) Allowed(ctx context.Context, org store.OrgID, userID int64, action Action) (bool, error) {
	role, err := a.Role(ctx, org, userID)
	if err != nil {
		return false, err
	}
	return Can(role, action), nil
}

// CanAdminister reports whether the user holds owner or admin in org.
func (a *Authorizer) CanAdminister(ctx context.Context, org store.OrgID, userID int64) (bool, error) {
	role, err := a.Role(ctx, org, userID)
	if err != nil {
		return false, err
	}
	return role == RoleOwner || role == RoleAdmin, nil
}

package rbac

import (
	"context"
	"errors"
	"testing"

	"handbook/api/internal/store"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer propose", role: RoleViewer, action: ActionPropose, allow: false},
		{name: "editor propose", role: RoleEditor, action: ActionPropose, allow: true},
		{name: "editor approve", role: RoleEditor, action: ActionApprove, allow: false},
		{name: "editor merge", role: RoleEditor, action: ActionMerge, allow: false},
		{name: "admin approve", role: RoleAdmin, action: ActionApprove, allow: true},
		{name: "owner merge", role: RoleOwner, action: ActionMerge, allow: true},
		{name: "unknown role", role: Role("ghost"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

type fakeMembers struct {
	roles map[int64]string
	err   error
}

func (f fakeMembers) MemberRole(_ context.Context, _ store.OrgID, userID int64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	role, ok := f.roles[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return role, nil
}

func TestCanAdminister(t *testing.T) {
	a := NewAuthorizer(fakeMembers{roles: map[int64]string{1: "owner", 2: "admin", 3: "editor"}})
	ctx := context.Background()

	for user, want := range map[int64]bool{1: true, 2: true, 3: false, 4: false} {
		got, err := a.CanAdminister(ctx, 1, user)
		if err != nil {
			t.Fatalf("CanAdminister(%d) error = %v", user, err)
		}
		if got != want {
			t.Fatalf("CanAdminister(%d) = %v, want %v", user, got, want)
		}
	}
}

func TestCanAdministerPropagatesLookupErrors(t *testing.T) {
	boom := errors.New("db down")
	a := NewAuthorizer(fakeMembers{err: boom})
	if _, err := a.CanAdminister(context.Background(), 1, 1); !errors.Is(err, boom) {
		t.Fatalf("CanAdminister() error = %v, want %v", err, boom)
	}
}

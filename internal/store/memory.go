package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It backs tests and single-node
// development; transactions serialize against each other and roll back by
// restoring a snapshot.
type MemoryStore struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	now   func() time.Time
	state *memoryState
}

type memberKey struct {
	org  OrgID
	user int64
}

type memoryState struct {
	ids       map[string]int64
	mergeSeq  int64
	orgs      map[OrgID]Organization
	members   map[memberKey]string
	entities  map[int64]Entity
	versions  []Version
	branches  map[int64]UserBranch
	sessions  map[int64]EditSession
	prs       map[int64]PullRequest
	activity  []ActivityLog
	fixes     map[int64]FixRequest
	conflicts map[int64]ConflictTemporary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now: time.Now,
		state: &memoryState{
			// entity 1 is the default category
			ids:       map[string]int64{"entities": DefaultCategoryID},
			orgs:      map[OrgID]Organization{},
			members:   map[memberKey]string{},
			entities:  map[int64]Entity{},
			branches:  map[int64]UserBranch{},
			sessions:  map[int64]EditSession{},
			prs:       map[int64]PullRequest{},
			fixes:     map[int64]FixRequest{},
			conflicts: map[int64]ConflictTemporary{},
		},
	}
}

func (st *memoryState) next(table string) int64 {
	st.ids[table]++
	return st.ids[table]
}

func (st *memoryState) clone() *memoryState {
	cp := &memoryState{
		ids:       make(map[string]int64, len(st.ids)),
		mergeSeq:  st.mergeSeq,
		orgs:      make(map[OrgID]Organization, len(st.orgs)),
		members:   make(map[memberKey]string, len(st.members)),
		entities:  make(map[int64]Entity, len(st.entities)),
		versions:  append([]Version(nil), st.versions...),
		branches:  make(map[int64]UserBranch, len(st.branches)),
		sessions:  make(map[int64]EditSession, len(st.sessions)),
		prs:       make(map[int64]PullRequest, len(st.prs)),
		activity:  append([]ActivityLog(nil), st.activity...),
		fixes:     make(map[int64]FixRequest, len(st.fixes)),
		conflicts: make(map[int64]ConflictTemporary, len(st.conflicts)),
	}
	for k, v := range st.ids {
		cp.ids[k] = v
	}
	for k, v := range st.orgs {
		cp.orgs[k] = v
	}
	for k, v := range st.members {
		cp.members[k] = v
	}
	for k, v := range st.entities {
		cp.entities[k] = v
	}
	for k, v := range st.branches {
		cp.branches[k] = v
	}
	for k, v := range st.sessions {
		cp.sessions[k] = v
	}
	for k, v := range st.prs {
		cp.prs[k] = v
	}
	for k, v := range st.fixes {
		cp.fixes[k] = v
	}
	for k, v := range st.conflicts {
		cp.conflicts[k] = v
	}
	return cp
}

// AddOrganization registers a tenant and returns its id.
func (s *MemoryStore) AddOrganization(name string) OrgID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := OrgID(s.state.next("organizations"))
	s.state.orgs[id] = Organization{ID: id, Name: name, Slug: name, CreatedAt: s.now()}
	return id
}

func (s *MemoryStore) SetMemberRole(org OrgID, userID int64, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.members[memberKey{org: org, user: userID}] = role
}

type memTxKey struct{}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.state.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) ListOrganizationIDs(context.Context) ([]OrgID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]OrgID, 0, len(s.state.orgs))
	for id := range s.state.orgs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) MemberRole(_ context.Context, org OrgID, userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.state.members[memberKey{org: org, user: userID}]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (s *MemoryStore) CreateEntity(_ context.Context, org OrgID, kind EntityKind) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity := Entity{ID: s.state.next("entities"), OrganizationID: org, Kind: kind, CreatedAt: s.now()}
	s.state.entities[entity.ID] = entity
	return entity, nil
}

func (s *MemoryStore) GetEntity(_ context.Context, org OrgID, id int64) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.state.entities[id]
	if !ok || entity.OrganizationID != org {
		return Entity{}, ErrNotFound
	}
	return entity, nil
}

func (s *MemoryStore) InsertVersion(_ context.Context, org OrgID, v Version) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Status == "" {
		v.Status = StatusDraft
	}
	now := s.now()
	v.ID = s.state.next("versions")
	v.OrganizationID = org
	v.CreatedAt = now
	v.UpdatedAt = now
	s.state.versions = append(s.state.versions, v)
	return v, nil
}

// scan walks versions newest first.
func (s *MemoryStore) scan(org OrgID, match func(Version) bool) []Version {
	var out []Version
	for i := len(s.state.versions) - 1; i >= 0; i-- {
		v := s.state.versions[i]
		if v.OrganizationID == org && match(v) {
			out = append(out, v)
		}
	}
	return out
}

func (s *MemoryStore) GetVersion(_ context.Context, org OrgID, id int64, lookup Lookup) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.scan(org, func(v Version) bool { return v.ID == id })
	if len(found) == 0 || (found[0].IsDeleted() && !lookup.IncludeDeleted) {
		return Version{}, ErrNotFound
	}
	return found[0], nil
}

func onBranch(v Version, branchID int64) bool {
	return v.UserBranchID != nil && *v.UserBranchID == branchID &&
		(v.Status == StatusDraft || v.Status == StatusPendingReview)
}

func (s *MemoryStore) CurrentBranchVersion(_ context.Context, org OrgID, entityID, branchID int64) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.scan(org, func(v Version) bool { return v.EntityID == entityID && onBranch(v, branchID) })
	if len(found) == 0 {
		return Version{}, ErrNotFound
	}
	return found[0], nil
}

func (s *MemoryStore) currentMerged(org OrgID, entityID int64) (Version, bool) {
	var best Version
	ok := false
	for _, v := range s.state.versions {
		if v.OrganizationID != org || v.EntityID != entityID || v.Status != StatusMerged {
			continue
		}
		if !ok || v.MergeSeq > best.MergeSeq {
			best, ok = v, true
		}
	}
	return best, ok
}

func (s *MemoryStore) CurrentMergedVersion(_ context.Context, org OrgID, entityID int64, lookup Lookup) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.currentMerged(org, entityID)
	if !ok || (v.IsDeleted() && !lookup.IncludeDeleted) {
		return Version{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) ListBranchVersions(_ context.Context, org OrgID, branchID int64) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]bool{}
	var items []Version
	for _, v := range s.scan(org, func(v Version) bool { return onBranch(v, branchID) }) {
		if seen[v.EntityID] {
			continue
		}
		seen[v.EntityID] = true
		items = append(items, v)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) ListMergedVersions(_ context.Context, org OrgID, kind EntityKind) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := map[int64]Version{}
	for _, v := range s.state.versions {
		if v.OrganizationID != org || v.Kind != kind || v.Status != StatusMerged {
			continue
		}
		if prev, ok := current[v.EntityID]; !ok || v.MergeSeq > prev.MergeSeq {
			current[v.EntityID] = v
		}
	}
	var items []Version
	for _, v := range current {
		if !v.IsDeleted() {
			items = append(items, v)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].EntityID < items[j].EntityID })
	return items, nil
}

func (s *MemoryStore) CountBranchDrafts(_ context.Context, org OrgID, branchID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entities := map[int64]bool{}
	for _, v := range s.scan(org, func(v Version) bool {
		return v.Status == StatusDraft && v.UserBranchID != nil && *v.UserBranchID == branchID
	}) {
		entities[v.EntityID] = true
	}
	return len(entities), nil
}

func (s *MemoryStore) updateVersions(org OrgID, match func(Version) bool, apply func(*Version)) int {
	count := 0
	for i := range s.state.versions {
		v := &s.state.versions[i]
		if v.OrganizationID == org && match(*v) {
			apply(v)
			count++
		}
	}
	return count
}

func (s *MemoryStore) SoftDeleteVersion(_ context.Context, org OrgID, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateVersions(org, func(v Version) bool { return v.ID == id && !v.IsDeleted() }, func(v *Version) {
		stamp := at
		v.DeletedAt = &stamp
		v.UpdatedAt = at
	})
	return nil
}

func (s *MemoryStore) PromoteVersions(_ context.Context, org OrgID, ids []int64, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	return s.updateVersions(org, func(v Version) bool { return wanted[v.ID] && v.Status != StatusMerged }, func(v *Version) {
		s.state.mergeSeq++
		stamp := at
		v.Status = StatusMerged
		v.UserBranchID = nil
		v.MergeSeq = s.state.mergeSeq
		v.MergedAt = &stamp
		v.UpdatedAt = at
	}), nil
}

func (s *MemoryStore) SetBranchVersionStatus(_ context.Context, org OrgID, branchID int64, from, to VersionStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	return s.updateVersions(org, func(v Version) bool {
		return v.Status == from && v.UserBranchID != nil && *v.UserBranchID == branchID
	}, func(v *Version) {
		v.Status = to
		v.UpdatedAt = now
	}), nil
}

func (s *MemoryStore) GetActiveBranch(_ context.Context, org OrgID, userID int64) (UserBranch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *UserBranch
	for _, b := range s.state.branches {
		if b.OrganizationID == org && b.UserID == userID && b.IsActive && !b.IsDeleted() {
			if found == nil || b.ID > found.ID {
				item := b
				found = &item
			}
		}
	}
	if found == nil {
		return UserBranch{}, ErrNotFound
	}
	return *found, nil
}

func (s *MemoryStore) GetBranch(_ context.Context, org OrgID, id int64, lookup Lookup) (UserBranch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.branches[id]
	if !ok || b.OrganizationID != org || (b.IsDeleted() && !lookup.IncludeDeleted) {
		return UserBranch{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) InsertBranch(_ context.Context, org OrgID, b UserBranch) (UserBranch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.branches {
		if existing.OrganizationID == org && existing.BranchName == b.BranchName {
			return UserBranch{}, ErrDuplicate
		}
	}
	now := s.now()
	b.ID = s.state.next("user_branches")
	b.OrganizationID = org
	b.CreatedAt = now
	b.UpdatedAt = now
	s.state.branches[b.ID] = b
	return b, nil
}

func (s *MemoryStore) DeactivateBranch(_ context.Context, org OrgID, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.branches[id]
	if !ok || b.OrganizationID != org {
		return ErrNotFound
	}
	b.IsActive = false
	if b.DeletedAt == nil {
		stamp := at
		b.DeletedAt = &stamp
	}
	b.UpdatedAt = at
	s.state.branches[id] = b
	return nil
}

func (s *MemoryStore) InsertEditSession(_ context.Context, org OrgID, es EditSession) (EditSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.sessions {
		if existing.Token == es.Token {
			return EditSession{}, ErrDuplicate
		}
		if es.IsActive && existing.IsActive && existing.PullRequestID == es.PullRequestID && existing.UserID == es.UserID {
			return EditSession{}, ErrDuplicate
		}
	}
	now := s.now()
	es.ID = s.state.next("edit_sessions")
	es.OrganizationID = org
	es.CreatedAt = now
	es.UpdatedAt = now
	s.state.sessions[es.ID] = es
	return es, nil
}

func (s *MemoryStore) DeactivateEditSessions(_ context.Context, org OrgID, pullRequestID, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, es := range s.state.sessions {
		if es.OrganizationID == org && es.PullRequestID == pullRequestID && es.UserID == userID && es.IsActive {
			es.IsActive = false
			es.UpdatedAt = s.now()
			s.state.sessions[id] = es
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetEditSessionByToken(_ context.Context, org OrgID, token string) (EditSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, es := range s.state.sessions {
		if es.OrganizationID == org && es.Token == token {
			return es, nil
		}
	}
	return EditSession{}, ErrNotFound
}

func (s *MemoryStore) FinishEditSession(_ context.Context, org OrgID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.state.sessions[id]
	if !ok || es.OrganizationID != org {
		return ErrNotFound
	}
	es.IsActive = false
	es.UpdatedAt = s.now()
	s.state.sessions[id] = es
	return nil
}

func (s *MemoryStore) ExpireEditSessions(_ context.Context, org OrgID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, es := range s.state.sessions {
		if es.OrganizationID == org && es.IsActive && !es.ExpiresAt.After(now) {
			es.IsActive = false
			es.UpdatedAt = now
			s.state.sessions[id] = es
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) InsertPullRequest(_ context.Context, org OrgID, pr PullRequest) (PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr.Status.IsOpen() {
		for _, existing := range s.state.prs {
			if existing.OrganizationID == org && existing.UserBranchID == pr.UserBranchID && existing.Status.IsOpen() {
				return PullRequest{}, ErrDuplicate
			}
		}
	}
	now := s.now()
	pr.ID = s.state.next("pull_requests")
	pr.OrganizationID = org
	pr.Reviewers = append([]int64(nil), pr.Reviewers...)
	pr.CreatedAt = now
	pr.UpdatedAt = now
	s.state.prs[pr.ID] = pr
	return pr, nil
}

func (s *MemoryStore) GetPullRequest(_ context.Context, org OrgID, id int64) (PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.state.prs[id]
	if !ok || pr.OrganizationID != org {
		return PullRequest{}, ErrNotFound
	}
	return pr, nil
}

func (s *MemoryStore) GetOpenPullRequestForBranch(_ context.Context, org OrgID, branchID int64) (PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *PullRequest
	for _, pr := range s.state.prs {
		if pr.OrganizationID == org && pr.UserBranchID == branchID && pr.Status.IsOpen() {
			if found == nil || pr.ID > found.ID {
				item := pr
				found = &item
			}
		}
	}
	if found == nil {
		return PullRequest{}, ErrNotFound
	}
	return *found, nil
}

func (s *MemoryStore) UpdatePullRequestStatus(_ context.Context, org OrgID, id int64, status PullRequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.state.prs[id]
	if !ok || pr.OrganizationID != org {
		return ErrNotFound
	}
	pr.Status = status
	pr.UpdatedAt = s.now()
	s.state.prs[id] = pr
	return nil
}

func (s *MemoryStore) TransitionPullRequestStatus(_ context.Context, org OrgID, id int64, from, to PullRequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.state.prs[id]
	if !ok || pr.OrganizationID != org || pr.Status != from {
		return ErrNotFound
	}
	pr.Status = to
	pr.UpdatedAt = s.now()
	s.state.prs[id] = pr
	return nil
}

func (s *MemoryStore) InsertActivity(_ context.Context, org OrgID, entry ActivityLog) (ActivityLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.state.next("activity_logs")
	entry.OrganizationID = org
	entry.CreatedAt = s.now()
	s.state.activity = append(s.state.activity, entry)
	return entry, nil
}

func (s *MemoryStore) LastActivity(_ context.Context, org OrgID, pullRequestID int64) (ActivityLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.state.activity) - 1; i >= 0; i-- {
		entry := s.state.activity[i]
		if entry.OrganizationID == org && entry.PullRequestID == pullRequestID {
			return entry, nil
		}
	}
	return ActivityLog{}, ErrNotFound
}

func (s *MemoryStore) ListActivity(_ context.Context, org OrgID, pullRequestID int64) ([]ActivityLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []ActivityLog
	for _, entry := range s.state.activity {
		if entry.OrganizationID == org && entry.PullRequestID == pullRequestID {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (s *MemoryStore) InsertFixRequest(_ context.Context, org OrgID, f FixRequest) (FixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.fixes {
		if existing.Token == f.Token {
			return FixRequest{}, ErrDuplicate
		}
	}
	if f.Status == "" {
		f.Status = FixPending
	}
	f.ID = s.state.next("fix_requests")
	f.OrganizationID = org
	f.Changes = append([]FixChange(nil), f.Changes...)
	f.CreatedAt = s.now()
	s.state.fixes[f.ID] = f
	return f, nil
}

func (s *MemoryStore) GetFixRequestByToken(_ context.Context, org OrgID, token string) (FixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.state.fixes {
		if f.OrganizationID == org && f.Token == token {
			return f, nil
		}
	}
	return FixRequest{}, ErrNotFound
}

func (s *MemoryStore) MarkFixRequestApplied(_ context.Context, org OrgID, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.state.fixes[id]
	if !ok || f.OrganizationID != org || f.Status != FixPending {
		return ErrNotFound
	}
	stamp := at
	f.Status = FixApplied
	f.AppliedAt = &stamp
	s.state.fixes[id] = f
	return nil
}

func (s *MemoryStore) UpsertConflictTemporary(_ context.Context, org OrgID, t ConflictTemporary) (ConflictTemporary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, existing := range s.state.conflicts {
		if existing.OrganizationID == org && existing.PullRequestID == t.PullRequestID &&
			existing.EntityID == t.EntityID && !existing.IsDeleted() {
			existing.ObjectKey = t.ObjectKey
			existing.UserID = t.UserID
			existing.UpdatedAt = now
			s.state.conflicts[id] = existing
			return existing, nil
		}
	}
	t.ID = s.state.next("conflict_temporaries")
	t.OrganizationID = org
	t.CreatedAt = now
	t.UpdatedAt = now
	s.state.conflicts[t.ID] = t
	return t, nil
}

func (s *MemoryStore) ListConflictTemporaries(_ context.Context, org OrgID, pullRequestID int64) ([]ConflictTemporary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []ConflictTemporary
	for _, t := range s.state.conflicts {
		if t.OrganizationID == org && t.PullRequestID == pullRequestID && !t.IsDeleted() {
			items = append(items, t)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) ClearConflictTemporaries(_ context.Context, org OrgID, pullRequestID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.state.conflicts {
		if t.OrganizationID == org && t.PullRequestID == pullRequestID && !t.IsDeleted() {
			stamp := at
			t.DeletedAt = &stamp
			s.state.conflicts[id] = t
		}
	}
	return nil
}

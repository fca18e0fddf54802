// Package diff classifies how a branch's drafts differ from the merged
// baseline, field by field.
package diff

import (
	"strconv"

	"handbook/api/internal/store"
)

type FieldStatus string

const (
	FieldUnchanged FieldStatus = "unchanged"
	FieldModified  FieldStatus = "modified"
	FieldAdded     FieldStatus = "added"
	FieldDeleted   FieldStatus = "deleted"
)

type Operation string

const (
	OpCreated Operation = "created"
	OpUpdated Operation = "updated"
	OpDeleted Operation = "deleted"
	// OpDeletedUpstream only appears in conflict diffs: the baseline entity
	// was removed after the branch was cut.
	OpDeletedUpstream Operation = "deleted_upstream"
)

// TrackedFields lists the compared fields in display order.
var TrackedFields = []string{"title", "slug", "sidebar_label", "description", "position", "parent_id", "content"}

type FieldChange struct {
	Status   FieldStatus `json:"status"`
	Original *string     `json:"original"`
	Current  *string     `json:"current"`
	Conflict bool        `json:"conflict,omitempty"`
}

type Item struct {
	ID            int64                  `json:"id"`
	EntityID      int64                  `json:"entity_id"`
	Type          store.EntityKind       `json:"type"`
	Operation     Operation              `json:"operation"`
	ChangedFields map[string]FieldChange `json:"changed_fields"`
}

func text(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// values flattens the tracked fields. Missing and soft-deleted versions have
// no values at all.
func values(v *store.Version) map[string]*string {
	out := make(map[string]*string, len(TrackedFields))
	if v == nil || v.IsDeleted() {
		return out
	}
	out["title"] = text(v.Title)
	out["slug"] = text(v.Slug)
	out["sidebar_label"] = text(v.SidebarLabel)
	out["description"] = text(v.Description)
	position := strconv.Itoa(v.Position)
	out["position"] = &position
	if v.ParentID != nil {
		parent := strconv.FormatInt(*v.ParentID, 10)
		out["parent_id"] = &parent
	}
	out["content"] = text(v.Content)
	return out
}

func equal(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func classify(original, current *string) FieldStatus {
	switch {
	case equal(original, current):
		return FieldUnchanged
	case original == nil:
		return FieldAdded
	case current == nil:
		return FieldDeleted
	default:
		return FieldModified
	}
}

func fields(original, current map[string]*string) (map[string]FieldChange, bool) {
	out := make(map[string]FieldChange, len(TrackedFields))
	changed := false
	for _, name := range TrackedFields {
		status := classify(original[name], current[name])
		if status != FieldUnchanged {
			changed = true
		}
		out[name] = FieldChange{Status: status, Original: original[name], Current: current[name]}
	}
	return out, changed
}

// Compare diffs a draft against its baseline. It reports false when the draft
// changes nothing, including an entity created and deleted on the same branch.
func Compare(baseline *store.Version, draft store.Version) (Item, bool) {
	item := Item{ID: draft.ID, EntityID: draft.EntityID, Type: draft.Kind}
	live := baseline != nil && !baseline.IsDeleted()

	switch {
	case !live && draft.IsDeleted():
		return Item{}, false
	case !live:
		item.Operation = OpCreated
	case draft.IsDeleted():
		item.Operation = OpDeleted
	default:
		item.Operation = OpUpdated
	}

	changes, changed := fields(values(baseline), values(&draft))
	if !changed {
		return Item{}, false
	}
	item.ChangedFields = changes
	return item, true
}

// CompareConflict diffs a draft against the current upstream version. base is
// the version the draft was derived from; a field conflicts when both sides
// moved it away from base to different values.
func CompareConflict(base, upstream *store.Version, draft store.Version) (Item, bool) {
	hadBase := base != nil && !base.IsDeleted()
	upstreamLive := upstream != nil && !upstream.IsDeleted()

	if hadBase && !upstreamLive {
		if draft.IsDeleted() {
			return Item{}, false
		}
		baseValues, draftValues := values(base), values(&draft)
		changes, _ := fields(values(nil), draftValues)
		for name, change := range changes {
			change.Conflict = !equal(baseValues[name], draftValues[name])
			changes[name] = change
		}
		return Item{
			ID:            draft.ID,
			EntityID:      draft.EntityID,
			Type:          draft.Kind,
			Operation:     OpDeletedUpstream,
			ChangedFields: changes,
		}, true
	}

	item, ok := Compare(upstream, draft)
	if !ok || !hadBase {
		return item, ok
	}
	baseValues, upstreamValues, draftValues := values(base), values(upstream), values(&draft)
	for name, change := range item.ChangedFields {
		upstreamMoved := !equal(baseValues[name], upstreamValues[name])
		branchMoved := !equal(baseValues[name], draftValues[name])
		change.Conflict = upstreamMoved && branchMoved && !equal(upstreamValues[name], draftValues[name])
		item.ChangedFields[name] = change
	}
	return item, true
}

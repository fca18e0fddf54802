package githost

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"handbook/api/internal/store"
)

func TestVersionFileRendersDocumentFrontMatter(t *testing.T) {
	parent := int64(4)
	f, err := VersionFile(store.Version{
		EntityID: 9, Kind: store.KindDocument, Title: "Setup Guide", Slug: "setup",
		Position: 2, ParentID: &parent, Content: "# Setup",
	})
	if err != nil {
		t.Fatalf("VersionFile() error = %v", err)
	}
	body := string(f.Content)
	if f.Path != "docs/documents/9.md" {
		t.Fatalf("unexpected path %q", f.Path)
	}
	for _, want := range []string{"---\nid: 9\n", "title: Setup Guide\n", "parent_id: 4\n", "---\n\n# Setup\n"} {
		if !strings.Contains(body, want) {
			t.Fatalf("document body missing %q:\n%s", want, body)
		}
	}
}

func TestVersionFileRendersCategoryJSON(t *testing.T) {
	f, err := VersionFile(store.Version{EntityID: 3, Kind: store.KindCategory, Title: "Guides", Slug: "guides"})
	if err != nil {
		t.Fatalf("VersionFile() error = %v", err)
	}
	var parsed categoryFile
	if err := json.Unmarshal(f.Content, &parsed); err != nil {
		t.Fatalf("category file is not json: %v", err)
	}
	if parsed.Label != "Guides" || parsed.Slug != "guides" || f.Path != "docs/categories/3.json" {
		t.Fatalf("unexpected category file: %+v at %s", parsed, f.Path)
	}
}

func TestVersionFileMarksDeletion(t *testing.T) {
	now := time.Now()
	v := store.Version{EntityID: 3, Kind: store.KindDocument, Lifecycle: store.Lifecycle{DeletedAt: &now}}
	f, err := VersionFile(v)
	if err != nil || !f.Deleted || f.Content != nil {
		t.Fatalf("VersionFile() = %+v, %v", f, err)
	}
}

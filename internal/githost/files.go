package githost

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"handbook/api/internal/store"
)

type frontMatter struct {
	ID           int64  `yaml:"id"`
	Title        string `yaml:"title"`
	Slug         string `yaml:"slug"`
	SidebarLabel string `yaml:"sidebar_label,omitempty"`
	Position     int    `yaml:"sidebar_position"`
	Description  string `yaml:"description,omitempty"`
	ParentID     *int64 `yaml:"parent_id,omitempty"`
}

type categoryFile struct {
	ID          int64  `json:"id"`
	Label       string `json:"label"`
	Slug        string `json:"slug"`
	Position    int    `json:"position"`
	Description string `json:"description,omitempty"`
	ParentID    *int64 `json:"parent_id,omitempty"`
}

// VersionPath is keyed by entity id so a slug rename edits one file.
func VersionPath(v store.Version) string {
	if v.Kind == store.KindCategory {
		return fmt.Sprintf("docs/categories/%d.json", v.EntityID)
	}
	return fmt.Sprintf("docs/documents/%d.md", v.EntityID)
}

// VersionFile renders a version the way the site generator reads it:
// markdown with front matter for documents, JSON for categories.
func VersionFile(v store.Version) (File, error) {
	path := VersionPath(v)
	if v.IsDeleted() {
		return File{Path: path, Deleted: true}, nil
	}
	if v.Kind == store.KindCategory {
		label := v.SidebarLabel
		if label == "" {
			label = v.Title
		}
		body, err := json.MarshalIndent(categoryFile{
			ID: v.EntityID, Label: label, Slug: v.Slug, Position: v.Position,
			Description: v.Description, ParentID: v.ParentID,
		}, "", "  ")
		if err != nil {
			return File{}, fmt.Errorf("marshal category %d: %w", v.EntityID, err)
		}
		return File{Path: path, Content: append(body, '\n')}, nil
	}

	meta, err := yaml.Marshal(frontMatter{
		ID: v.EntityID, Title: v.Title, Slug: v.Slug, SidebarLabel: v.SidebarLabel,
		Position: v.Position, Description: v.Description, ParentID: v.ParentID,
	})
	if err != nil {
		return File{}, fmt.Errorf("marshal front matter %d: %w", v.EntityID, err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(meta)
	buf.WriteString("---\n\n")
	buf.WriteString(v.Content)
	if v.Content != "" && v.Content[len(v.Content)-1] != '\n' {
		buf.WriteByte('\n')
	}
	return File{Path: path, Content: buf.Bytes()}, nil
}

func VersionFiles(versions []store.Version) ([]File, error) {
	files := make([]File, 0, len(versions))
	for _, v := range versions {
		f, err := VersionFile(v)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

package util

import (
	"regexp"
	"testing"
)

func TestNewTokenIsFixedLength(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		token := NewToken(16)
		if len(token) != 32 {
			t.Fatalf("len(NewToken(16)) = %d, want 32", len(token))
		}
		if seen[token] {
			t.Fatalf("duplicate token %s", token)
		}
		seen[token] = true
	}
}

func TestNewBranchName(t *testing.T) {
	pattern := regexp.MustCompile(`^branch-[0-9a-z]{12}$`)
	name := NewBranchName("branch", 12)
	if !pattern.MatchString(name) {
		t.Fatalf("unexpected branch name %q", name)
	}
	if got := NewBranchName("", 6); len(got) != 6 {
		t.Fatalf("unexpected bare name %q", got)
	}
}

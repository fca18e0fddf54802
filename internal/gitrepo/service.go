// Package gitrepo is a git host backed by plain repositories on local disk,
// one per organization. It serves development and single-node deployments
// where no hosted provider is configured.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"handbook/api/internal/githost"
	"handbook/api/internal/store"
)

const (
	mainBranch   = "main"
	pullsFile    = "pulls.json"
	repoDirName  = "repo"
	authorName   = "Handbook"
	authorEmail  = "handbook@localhost"
	stateOpen    = "open"
	stateMerged  = "merged"
	stateClosed  = "closed"
	readmeHeader = "# Handbook\n"
)

type pull struct {
	Number int    `json:"number"`
	Branch string `json:"branch"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
}

type registry struct {
	Next  int            `json:"next"`
	Pulls map[int]*pull `json:"pulls"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[store.OrgID]*sync.Mutex
}

var _ githost.Host = (*Service)(nil)

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[store.OrgID]*sync.Mutex),
	}
}

func (s *Service) orgDir(org store.OrgID) string {
	return filepath.Join(s.baseDir, strconv.FormatInt(int64(org), 10))
}

func (s *Service) repoPath(org store.OrgID) string {
	return filepath.Join(s.orgDir(org), repoDirName)
}

func (s *Service) orgLock(org store.OrgID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[org]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[org] = lock
	return lock
}

// open returns the organization's repository, initializing it with a single
// commit on main the first time.
func (s *Service) open(org store.OrgID) (*git.Repository, error) {
	path := s.repoPath(org)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, fmt.Errorf("open repo: %w", err)
		}
		return repo, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "README.md"), []byte(readmeHeader), 0o644); err != nil {
		return nil, fmt.Errorf("write readme: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return nil, fmt.Errorf("git add readme: %w", err)
	}
	hash, err := worktree.Commit("Initialize handbook", &git.CommitOptions{Author: signature()})
	if err != nil {
		return nil, fmt.Errorf("commit readme: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) PushFiles(_ context.Context, org store.OrgID, branch string, files []githost.File, message string) error {
	lock := s.orgLock(org)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(org)
	if err != nil {
		return err
	}
	if err := ensureBranch(repo, branch, mainBranch); err != nil {
		return err
	}
	_, err = commitFiles(repo, branch, files, message, false)
	return err
}

func (s *Service) OpenPullRequest(_ context.Context, org store.OrgID, spec githost.PullRequestSpec) (int, error) {
	lock := s.orgLock(org)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(org)
	if err != nil {
		return 0, err
	}
	if err := ensureBranch(repo, spec.Branch, mainBranch); err != nil {
		return 0, err
	}
	reg, err := s.loadRegistry(org)
	if err != nil {
		return 0, err
	}
	reg.Next++
	reg.Pulls[reg.Next] = &pull{Number: reg.Next, Branch: spec.Branch, Title: spec.Title, Body: spec.Body, State: stateOpen}
	if err := s.saveRegistry(org, reg); err != nil {
		return 0, err
	}
	return reg.Next, nil
}

// Mergeable is false when main and the branch both changed a path since
// their merge base and ended up with different content.
func (s *Service) Mergeable(_ context.Context, org store.OrgID, number int) (bool, error) {
	lock := s.orgLock(org)
	lock.Lock()
	defer lock.Unlock()

	repo, p, err := s.openPull(org, number)
	if err != nil {
		return false, err
	}
	if p.State == stateMerged {
		return false, githost.ErrAlreadyMerged
	}
	if p.State != stateOpen {
		return false, nil
	}
	plan, err := planMerge(repo, p.Branch)
	if err != nil {
		return false, err
	}
	return len(plan.conflicts) == 0, nil
}

func (s *Service) Merge(_ context.Context, org store.OrgID, number int, message string) error {
	lock := s.orgLock(org)
	lock.Lock()
	defer lock.Unlock()

	repo, p, err := s.openPull(org, number)
	if err != nil {
		return err
	}
	if p.State == stateMerged {
		return nil
	}
	if p.State != stateOpen {
		return fmt.Errorf("%w: pull request %d is %s", githost.ErrNotMergeable, number, p.State)
	}
	plan, err := planMerge(repo, p.Branch)
	if err != nil {
		return err
	}
	if len(plan.conflicts) > 0 {
		return fmt.Errorf("%w: %d conflicting paths", githost.ErrNotMergeable, len(plan.conflicts))
	}

	mergeMessage := fmt.Sprintf("%s\n\nmerge: source=%s target=%s pull=%d mode=copy-commit", message, p.Branch, mainBranch, number)
	if _, err := commitFiles(repo, mainBranch, plan.files, mergeMessage, true); err != nil {
		return err
	}
	return s.setState(org, number, stateMerged)
}

func (s *Service) Close(_ context.Context, org store.OrgID, number int) error {
	lock := s.orgLock(org)
	lock.Lock()
	defer lock.Unlock()

	if _, p, err := s.openPull(org, number); err != nil {
		return err
	} else if p.State == stateMerged {
		return fmt.Errorf("pull request %d is already merged", number)
	}
	return s.setState(org, number, stateClosed)
}

// UpdateBranch resets the branch to main. The caller re-pushes the resolved
// files afterwards.
func (s *Service) UpdateBranch(_ context.Context, org store.OrgID, number int) error {
	lock := s.orgLock(org)
	lock.Lock()
	defer lock.Unlock()

	repo, p, err := s.openPull(org, number)
	if err != nil {
		return err
	}
	mainRef, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return fmt.Errorf("resolve main: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(p.Branch), mainRef.Hash())); err != nil {
		return fmt.Errorf("reset branch %s: %w", p.Branch, err)
	}
	return nil
}

// ReadFile returns a file's content at the head of branch.
func (s *Service) ReadFile(org store.OrgID, branch, path string) ([]byte, error) {
	lock := s.orgLock(org)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(org)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	file, err := commitObj.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s", githost.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", path, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *Service) openPull(org store.OrgID, number int) (*git.Repository, *pull, error) {
	repo, err := s.open(org)
	if err != nil {
		return nil, nil, err
	}
	reg, err := s.loadRegistry(org)
	if err != nil {
		return nil, nil, err
	}
	p, ok := reg.Pulls[number]
	if !ok {
		return nil, nil, fmt.Errorf("%w: pull request %d", githost.ErrNotFound, number)
	}
	return repo, p, nil
}

func (s *Service) setState(org store.OrgID, number int, state string) error {
	reg, err := s.loadRegistry(org)
	if err != nil {
		return err
	}
	p, ok := reg.Pulls[number]
	if !ok {
		return fmt.Errorf("%w: pull request %d", githost.ErrNotFound, number)
	}
	p.State = state
	return s.saveRegistry(org, reg)
}

func (s *Service) loadRegistry(org store.OrgID) (*registry, error) {
	reg := &registry{Pulls: map[int]*pull{}}
	raw, err := os.ReadFile(filepath.Join(s.orgDir(org), pullsFile))
	if errors.Is(err, os.ErrNotExist) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pull registry: %w", err)
	}
	if err := json.Unmarshal(raw, reg); err != nil {
		return nil, fmt.Errorf("decode pull registry: %w", err)
	}
	if reg.Pulls == nil {
		reg.Pulls = map[int]*pull{}
	}
	return reg, nil
}

func (s *Service) saveRegistry(org store.OrgID, reg *registry) error {
	payload, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pull registry: %w", err)
	}
	path := filepath.Join(s.orgDir(org), pullsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write pull registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace pull registry: %w", err)
	}
	return nil
}

type mergePlan struct {
	files     []githost.File
	conflicts []string
}

// planMerge collects the branch's changes since the merge base and the paths
// that main changed differently in the meantime.
func planMerge(repo *git.Repository, branch string) (mergePlan, error) {
	mainCommit, err := headCommit(repo, mainBranch)
	if err != nil {
		return mergePlan{}, err
	}
	branchCommit, err := headCommit(repo, branch)
	if err != nil {
		return mergePlan{}, err
	}
	bases, err := branchCommit.MergeBase(mainCommit)
	if err != nil {
		return mergePlan{}, fmt.Errorf("find merge base: %w", err)
	}
	if len(bases) == 0 {
		return mergePlan{}, fmt.Errorf("branch %s shares no history with %s", branch, mainBranch)
	}
	baseTree, err := bases[0].Tree()
	if err != nil {
		return mergePlan{}, fmt.Errorf("load base tree: %w", err)
	}
	mainTree, err := mainCommit.Tree()
	if err != nil {
		return mergePlan{}, fmt.Errorf("load main tree: %w", err)
	}
	branchTree, err := branchCommit.Tree()
	if err != nil {
		return mergePlan{}, fmt.Errorf("load branch tree: %w", err)
	}

	upstream, err := changedPaths(baseTree, mainTree)
	if err != nil {
		return mergePlan{}, err
	}
	ours, err := changedPaths(baseTree, branchTree)
	if err != nil {
		return mergePlan{}, err
	}

	var plan mergePlan
	for path, hash := range ours {
		if upHash, ok := upstream[path]; ok && upHash != hash {
			plan.conflicts = append(plan.conflicts, path)
			continue
		}
		if hash.IsZero() {
			plan.files = append(plan.files, githost.File{Path: path, Deleted: true})
			continue
		}
		content, err := blobContent(branchTree, path)
		if err != nil {
			return mergePlan{}, err
		}
		plan.files = append(plan.files, githost.File{Path: path, Content: content})
	}
	return plan, nil
}

// changedPaths maps every path that differs between two trees to its new
// blob hash, zero when the path was removed.
func changedPaths(from, to *object.Tree) (map[string]plumbing.Hash, error) {
	changes, err := object.DiffTree(from, to)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	out := make(map[string]plumbing.Hash, len(changes))
	for _, change := range changes {
		if change.To.Name != "" {
			out[change.To.Name] = change.To.TreeEntry.Hash
			continue
		}
		out[change.From.Name] = plumbing.ZeroHash
	}
	return out, nil
}

func blobContent(tree *object.Tree, path string) ([]byte, error) {
	file, err := tree.File(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func headCommit(repo *git.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func ensureBranch(repo *git.Repository, branchName, fromBranch string) error {
	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}
	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

func commitFiles(repo *git.Repository, branchName string, files []githost.File, message string, allowEmpty bool) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	for _, f := range files {
		full := filepath.Join(root, filepath.FromSlash(f.Path))
		if f.Deleted {
			if _, err := os.Stat(full); errors.Is(err, os.ErrNotExist) {
				continue
			}
			if _, err := worktree.Remove(f.Path); err != nil {
				return plumbing.ZeroHash, fmt.Errorf("git rm %s: %w", f.Path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("create dir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(full, f.Content, 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", f.Path, err)
		}
		if _, err := worktree.Add(f.Path); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", f.Path, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(),
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		ref, refErr := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
		if refErr != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolve branch %s: %w", branchName, refErr)
		}
		return ref.Hash(), nil
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit files: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func signature() *object.Signature {
	return &object.Signature{Name: authorName, Email: authorEmail, When: time.Now()}
}

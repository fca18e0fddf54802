package githost

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"handbook/api/internal/store"
)

type GitHubConfig struct {
	APIURL string
	Token  string
	Owner  string
	// Repo may contain "{org}", replaced by the organization id, so each
	// tenant can live in its own repository.
	Repo       string
	BaseBranch string
	RatePerSec float64
}

// GitHub talks to the GitHub REST API. Every call waits on a shared limiter
// to stay under the secondary rate limits.
type GitHub struct {
	cfg     GitHubConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewGitHub(cfg GitHubConfig, logger *zap.Logger) *GitHub {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.github.com"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	httpClient.Timeout = 30 * time.Second
	return &GitHub{
		cfg:     cfg,
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
		logger:  logger,
	}
}

type apiError struct {
	Status  int
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("github api %d: %s", e.Status, e.Message)
}

func (g *GitHub) repoPath(org store.OrgID) string {
	repo := strings.ReplaceAll(g.cfg.Repo, "{org}", strconv.FormatInt(int64(org), 10))
	return "/repos/" + url.PathEscape(g.cfg.Owner) + "/" + url.PathEscape(repo)
}

func (g *GitHub) do(ctx context.Context, method, path string, body, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("github rate limit wait: %w", err)
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal github request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.cfg.APIURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("build github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("github %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr)
		g.logger.Debug("github api error",
			zap.String("method", method), zap.String("path", path),
			zap.Int("status", resp.StatusCode), zap.String("message", apiErr.Message))
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}

type gitRef struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

func (g *GitHub) ensureBranch(ctx context.Context, org store.OrgID, branch string) error {
	repo := g.repoPath(org)
	err := g.do(ctx, http.MethodGet, repo+"/git/ref/heads/"+url.PathEscape(branch), nil, &gitRef{})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	var base gitRef
	if err := g.do(ctx, http.MethodGet, repo+"/git/ref/heads/"+url.PathEscape(g.cfg.BaseBranch), nil, &base); err != nil {
		return fmt.Errorf("resolve base branch: %w", err)
	}
	return g.do(ctx, http.MethodPost, repo+"/git/refs", map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": base.Object.SHA,
	}, nil)
}

func (g *GitHub) fileSHA(ctx context.Context, org store.OrgID, branch, path string) (string, error) {
	var existing struct {
		SHA string `json:"sha"`
	}
	err := g.do(ctx, http.MethodGet, g.repoPath(org)+"/contents/"+path+"?ref="+url.QueryEscape(branch), nil, &existing)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return existing.SHA, err
}

func (g *GitHub) PushFiles(ctx context.Context, org store.OrgID, branch string, files []File, message string) error {
	if err := g.ensureBranch(ctx, org, branch); err != nil {
		return fmt.Errorf("ensure branch %s: %w", branch, err)
	}
	for _, f := range files {
		sha, err := g.fileSHA(ctx, org, branch, f.Path)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", f.Path, err)
		}
		path := g.repoPath(org) + "/contents/" + f.Path
		if f.Deleted {
			if sha == "" {
				continue
			}
			err = g.do(ctx, http.MethodDelete, path, map[string]string{"message": message, "sha": sha, "branch": branch}, nil)
		} else {
			body := map[string]string{
				"message": message,
				"content": base64.StdEncoding.EncodeToString(f.Content),
				"branch":  branch,
			}
			if sha != "" {
				body["sha"] = sha
			}
			err = g.do(ctx, http.MethodPut, path, body, nil)
		}
		if err != nil {
			return fmt.Errorf("push %s: %w", f.Path, err)
		}
	}
	return nil
}

func (g *GitHub) OpenPullRequest(ctx context.Context, org store.OrgID, spec PullRequestSpec) (int, error) {
	var created struct {
		Number int `json:"number"`
	}
	err := g.do(ctx, http.MethodPost, g.repoPath(org)+"/pulls", map[string]string{
		"title": spec.Title,
		"body":  spec.Body,
		"head":  spec.Branch,
		"base":  g.cfg.BaseBranch,
	}, &created)
	if err != nil {
		return 0, fmt.Errorf("open pull request: %w", err)
	}
	return created.Number, nil
}

// Mergeable is false while GitHub is still computing the merge commit.
func (g *GitHub) Mergeable(ctx context.Context, org store.OrgID, number int) (bool, error) {
	var pr struct {
		Mergeable *bool  `json:"mergeable"`
		Merged    bool   `json:"merged"`
		State     string `json:"state"`
	}
	if err := g.do(ctx, http.MethodGet, g.repoPath(org)+"/pulls/"+strconv.Itoa(number), nil, &pr); err != nil {
		return false, fmt.Errorf("get pull request %d: %w", number, err)
	}
	if pr.Merged {
		return false, ErrAlreadyMerged
	}
	return pr.State == "open" && pr.Mergeable != nil && *pr.Mergeable, nil
}

func (g *GitHub) Merge(ctx context.Context, org store.OrgID, number int, message string) error {
	err := g.do(ctx, http.MethodPut, g.repoPath(org)+"/pulls/"+strconv.Itoa(number)+"/merge", map[string]string{
		"commit_title": message,
		"merge_method": "squash",
	}, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusMethodNotAllowed || apiErr.Status == http.StatusConflict) {
		return fmt.Errorf("%w: %s", ErrNotMergeable, apiErr.Message)
	}
	if err != nil {
		return fmt.Errorf("merge pull request %d: %w", number, err)
	}
	return nil
}

func (g *GitHub) Close(ctx context.Context, org store.OrgID, number int) error {
	if err := g.do(ctx, http.MethodPatch, g.repoPath(org)+"/pulls/"+strconv.Itoa(number), map[string]string{"state": "closed"}, nil); err != nil {
		return fmt.Errorf("close pull request %d: %w", number, err)
	}
	return nil
}

func (g *GitHub) UpdateBranch(ctx context.Context, org store.OrgID, number int) error {
	if err := g.do(ctx, http.MethodPut, g.repoPath(org)+"/pulls/"+strconv.Itoa(number)+"/update-branch", map[string]string{}, nil); err != nil {
		return fmt.Errorf("update branch of pull request %d: %w", number, err)
	}
	return nil
}

// Package tracker implements the issue-tracker port against the GitHub REST
// API.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/domain/model"
	rerrors "github.com/patchforge/patchforge/internal/errors"
)

// GitHubOption configures a GitHub tracker client.
type GitHubOption struct {
	// BaseURL overrides the API endpoint, e.g. for GitHub Enterprise or tests.
	BaseURL string
	// Token is the API credential. Ignored when HTTPClient is provided.
	Token string
	// HTTPClient overrides the oauth2-wrapped default, mainly for tests.
	HTTPClient *http.Client
	// MaxAttempts bounds retries of transient responses per call.
	MaxAttempts int
	Logger      *slog.Logger
}

// GitHub talks to the GitHub REST API. Transient responses (429, 5xx, and
// 403 secondary rate limits) are retried with backoff that honors the
// Retry-After and X-RateLimit-Reset headers.
type GitHub struct {
	baseURL     string
	client      *http.Client
	maxAttempts int
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

var _ core.Tracker = (*GitHub)(nil)

// NewGitHub creates a GitHub tracker client.
func NewGitHub(opt GitHubOption) *GitHub {
	baseURL := strings.TrimSuffix(opt.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	client := opt.HTTPClient
	if client == nil {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opt.Token})
		client = oauth2.NewClient(context.Background(), src)
		client.Timeout = 30 * time.Second
	}
	maxAttempts := opt.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		baseURL:     baseURL,
		client:      client,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "github"),
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

type ghIssue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	State  string  `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

type ghComment struct {
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// FetchUnit loads the issue backing a job.
func (g *GitHub) FetchUnit(ctx context.Context, owner, repo string, number int) (*model.Unit, error) {
	var issue ghIssue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := g.call(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	unit := &model.Unit{
		Number: issue.Number,
		Title:  issue.Title,
		Body:   issue.Body,
		State:  issue.State,
	}
	for _, label := range issue.Labels {
		unit.Labels = append(unit.Labels, label.Name)
	}
	return unit, nil
}

// FetchReplies loads the issue's comment thread, oldest first.
func (g *GitHub) FetchReplies(ctx context.Context, owner, repo string, number int) ([]model.Reply, error) {
	var comments []ghComment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", owner, repo, number)
	if err := g.call(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	replies := make([]model.Reply, 0, len(comments))
	for _, c := range comments {
		replies = append(replies, model.Reply{
			Author:    c.User.Login,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
		})
	}
	return replies, nil
}

// PostComment adds a comment to the issue.
func (g *GitHub) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	return g.call(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
}

// AddReaction reacts to the issue itself, e.g. "+1" as the enqueue ack.
func (g *GitHub) AddReaction(ctx context.Context, owner, repo string, number int, kind string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/reactions", owner, repo, number)
	return g.call(ctx, http.MethodPost, path, map[string]string{"content": kind}, nil)
}

// CloseUnit closes the issue.
func (g *GitHub) CloseUnit(ctx context.Context, owner, repo string, number int) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	return g.call(ctx, http.MethodPatch, path, map[string]string{"state": "closed"}, nil)
}

// OpenPullRequest opens a PR from the pushed branch and returns its URL.
func (g *GitHub) OpenPullRequest(ctx context.Context, owner, repo string, params core.PullRequestParams) (string, error) {
	var created struct {
		HTMLURL string `json:"html_url"`
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	body := map[string]string{
		"title": params.Title,
		"head":  params.Branch,
		"base":  params.Base,
		"body":  params.Body,
	}
	if err := g.call(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", err
	}
	return created.HTMLURL, nil
}

// DefaultBranch returns the repository's default branch name.
func (g *GitHub) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var repository struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := g.call(ctx, http.MethodGet, "/repos/"+owner+"/"+repo, nil, &repository); err != nil {
		return "", err
	}
	return repository.DefaultBranch, nil
}

// PullRequestMerged reports whether the PR behind the given URL was merged.
func (g *GitHub) PullRequestMerged(ctx context.Context, owner, repo, prURL string) (bool, error) {
	number, err := prNumberFromURL(prURL)
	if err != nil {
		return false, err
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	err = g.call(ctx, http.MethodGet, path, nil, nil)
	if err == nil {
		return true, nil
	}
	// The merge endpoint answers 404 for "not merged".
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func prNumberFromURL(prURL string) (int, error) {
	idx := strings.LastIndexByte(prURL, '/')
	if idx < 0 || idx == len(prURL)-1 {
		return 0, fmt.Errorf("malformed pull request url %q", prURL)
	}
	n, err := strconv.Atoi(prURL[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed pull request url %q: %w", prURL, err)
	}
	return n, nil
}

// call performs one API request with retry on transient responses. A non-nil
// out receives the decoded JSON body on success.
func (g *GitHub) call(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		retryable, err := g.once(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == g.maxAttempts {
			return err
		}

		delay := g.retryDelay(err, attempt)
		g.logger.WarnContext(ctx, "github request retrying",
			"method", method, "path", path,
			"attempt", attempt, "delay", delay, "error", err)
		if sleepErr := g.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

// httpError carries the status and rate-limit hints of a failed response.
type httpError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *httpError) Error() string {
	return fmt.Sprintf("github api status %d: %s", e.Status, e.Body)
}

func isNotFound(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.Status == http.StatusNotFound
}

func (g *GitHub) once(ctx context.Context, method, path string, body, out any) (retryable bool, err error) {
	var reader io.Reader
	if body != nil {
		data, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return false, fmt.Errorf("encode request: %w", marshalErr)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return true, rerrors.Transient(rerrors.TransientNetwork, "github request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return false, nil
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr != nil {
			return false, fmt.Errorf("decode response: %w", decodeErr)
		}
		return false, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	he := &httpError{
		Status:     resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
		RetryAfter: g.rateLimitDelay(resp),
	}
	if resp.StatusCode == http.StatusNotFound {
		if method == http.MethodGet && strings.Contains(path, "/issues/") {
			return false, fmt.Errorf("%w: %s", core.ErrUnitNotFound, path)
		}
		return false, he
	}
	if re := rerrors.ClassifyHTTPStatus(resp.StatusCode); re != nil {
		re.Cause = he
		return true, re
	}
	return false, he
}

// rateLimitDelay extracts the server's backoff hint, if any.
func (g *GitHub) rateLimitDelay(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
			if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
				if until := time.Unix(epoch, 0).Sub(g.now()); until > 0 {
					return until
				}
			}
		}
	}
	return 0
}

// maxRetryDelay caps server-driven backoff so a long rate-limit window does
// not stall a call beyond its usefulness.
const maxRetryDelay = 60 * time.Second

func (g *GitHub) retryDelay(err error, attempt int) time.Duration {
	var he *httpError
	if errors.As(err, &he) && he.RetryAfter > 0 {
		if he.RetryAfter > maxRetryDelay {
			return maxRetryDelay
		}
		return he.RetryAfter
	}
	return time.Duration(1<<uint(attempt-1)) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	rerrors "github.com/patchforge/patchforge/internal/errors"
)

// GitOption configures a Git helper.
type GitOption struct {
	// Host is the base URL of the hosting service, e.g. "https://github.com".
	Host string
	// Token authenticates clone and push. It is injected through an
	// http.extraheader config value only; it never appears in a URL or an
	// argument visible in process listings.
	Token string
}

// Git runs repository operations for the Runner via the git binary.
type Git struct {
	host  string
	token string
}

// NewGit creates a Git helper.
func NewGit(opt GitOption) *Git {
	host := strings.TrimSuffix(opt.Host, "/")
	if host == "" {
		host = "https://github.com"
	}
	return &Git{host: host, token: opt.Token}
}

func (g *Git) authHeader() string {
	credential := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + g.token))
	return "AUTHORIZATION: basic " + credential
}

// authArgs yields the per-invocation config injecting credentials. The header
// value goes through git's -c mechanism rather than the remote URL, keeping
// the token out of .git/config on disk too.
func (g *Git) authArgs() []string {
	if g.token == "" {
		return nil
	}
	return []string{"-c", "http.extraheader=" + g.authHeader()}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Clone checks out owner/repo into dir.
func (g *Git) Clone(ctx context.Context, owner, repo, dir string) error {
	url := fmt.Sprintf("%s/%s/%s.git", g.host, owner, repo)
	args := append(g.authArgs(), "clone", "--quiet", url, dir)
	if _, err := g.run(ctx, "", args...); err != nil {
		return rerrors.Classify(err)
	}
	return nil
}

// CheckoutBranch creates (or resets to) the run's dedicated branch.
func (g *Git) CheckoutBranch(ctx context.Context, dir, branch string) error {
	if _, err := g.run(ctx, dir, "checkout", "-B", branch); err != nil {
		return rerrors.Fatal("checkout branch", err)
	}
	return nil
}

// CheckoutExisting switches to an already-pushed branch, fetching it first.
// Used by follow-up runs resuming earlier work.
func (g *Git) CheckoutExisting(ctx context.Context, dir, branch string) error {
	fetchArgs := append(g.authArgs(), "fetch", "--quiet", "origin", branch)
	if _, err := g.run(ctx, dir, fetchArgs...); err != nil {
		return rerrors.Classify(err)
	}
	if _, err := g.run(ctx, dir, "checkout", branch); err != nil {
		return rerrors.Fatal("checkout existing branch", err)
	}
	return nil
}

// Push publishes the branch to origin.
func (g *Git) Push(ctx context.Context, dir, branch string) error {
	args := append(g.authArgs(), "push", "--quiet", "--set-upstream", "origin", branch)
	if _, err := g.run(ctx, dir, args...); err != nil {
		return rerrors.Classify(err)
	}
	return nil
}

// CommitsAhead counts commits on HEAD that are not on base. Used to infer
// whether the agent did work when it produced no result block. Candidate base
// branches are tried in priority order since repositories disagree on naming.
func (g *Git) CommitsAhead(ctx context.Context, dir string, baseCandidates []string) (int, string, error) {
	for _, base := range baseCandidates {
		out, err := g.run(ctx, dir, "rev-list", "--count", "origin/"+base+"..HEAD")
		if err != nil {
			continue
		}
		n, convErr := strconv.Atoi(out)
		if convErr != nil {
			continue
		}
		return n, base, nil
	}
	return 0, "", fmt.Errorf("no usable base branch among %v", baseCandidates)
}

// HeadSummary returns the subject line of the latest commit.
func (g *Git) HeadSummary(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "log", "-1", "--pretty=%s")
}

// Package workspace creates a disjoint on-disk workspace per session, as a
// git worktree branched off the repository's base branch.
package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edgeworker/edgeworker/internal/common/config"
	"github.com/edgeworker/edgeworker/internal/common/logger"
)

// provisionResult bundles Provision's two success values so they can travel
// through a singleflight.Group, which only returns a single any value.
type provisionResult struct {
	path    string
	cleanup func() error
}

// Provisioner creates (or reuses) a disjoint on-disk workspace per session.
type Provisioner interface {
	// Provision returns the workspace path and a cleanup func that removes
	// it (and the underlying git worktree) when the session no longer
	// needs it.
	Provision(ctx context.Context, repo config.RepositoryConfig, sessionID string) (path string, cleanup func() error, err error)
}

// GitWorktreeProvisioner shells out to `git worktree add`, serializing
// concurrent requests against the same repository with a per-repository
// lock to avoid `git worktree add` races.
type GitWorktreeProvisioner struct {
	log *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// inflight deduplicates concurrent Provision calls for the same session
	// id (e.g. a duplicate webhook delivery racing the dispatcher's own
	// retry) so only one `git worktree add` ever runs per session.
	inflight singleflight.Group
}

// NewGitWorktreeProvisioner constructs a GitWorktreeProvisioner.
func NewGitWorktreeProvisioner(log *logger.Logger) *GitWorktreeProvisioner {
	return &GitWorktreeProvisioner{
		log:   log.WithFields(zap.String("component", "workspace-provisioner")),
		locks: make(map[string]*sync.Mutex),
	}
}

func (p *GitWorktreeProvisioner) repoLock(repoID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[repoID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[repoID] = l
	}
	return l
}

// Provision creates a new git worktree under the repository's configured
// workspace base directory, on a fresh branch off the configured base
// branch, named after the session id for easy correlation. Concurrent calls
// for the same session id collapse into a single `git worktree add`.
func (p *GitWorktreeProvisioner) Provision(ctx context.Context, repo config.RepositoryConfig, sessionID string) (string, func() error, error) {
	v, err, _ := p.inflight.Do(sessionID, func() (any, error) {
		path, cleanup, err := p.provisionOnce(ctx, repo, sessionID)
		if err != nil {
			return nil, err
		}
		return provisionResult{path: path, cleanup: cleanup}, nil
	})
	if err != nil {
		return "", nil, err
	}
	res := v.(provisionResult)
	return res.path, res.cleanup, nil
}

func (p *GitWorktreeProvisioner) provisionOnce(ctx context.Context, repo config.RepositoryConfig, sessionID string) (string, func() error, error) {
	lock := p.repoLock(repo.ID)
	lock.Lock()
	defer lock.Unlock()

	suffix := uuid.New().String()[:8]
	branchName := fmt.Sprintf("edgeworker/%s-%s", sessionID, suffix)
	worktreePath := filepath.Join(repo.WorkspaceBaseDir, fmt.Sprintf("%s-%s", sessionID, suffix))

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branchName, worktreePath, repo.BaseBranch)
	cmd.Dir = repo.Path
	output, err := cmd.CombinedOutput()
	if err != nil {
		p.log.Error("git worktree add failed", zap.String("repo", repo.ID), zap.String("output", string(output)), zap.Error(err))
		return "", nil, fmt.Errorf("git worktree add: %s: %w", string(output), err)
	}

	cleanup := func() error {
		return p.remove(repo, worktreePath)
	}
	return worktreePath, cleanup, nil
}

func (p *GitWorktreeProvisioner) remove(repo config.RepositoryConfig, worktreePath string) error {
	lock := p.repoLock(repo.ID)
	lock.Lock()
	defer lock.Unlock()

	cmd := exec.Command("git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repo.Path
	if output, err := cmd.CombinedOutput(); err != nil {
		p.log.Warn("git worktree remove failed", zap.String("repo", repo.ID), zap.String("output", string(output)), zap.Error(err))
		return fmt.Errorf("git worktree remove: %s: %w", string(output), err)
	}
	return nil
}

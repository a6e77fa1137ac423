// Package worktree isolates workers on dedicated git branches and merges
// their output back through a per-outcome FIFO queue. Conflicted merges
// never modify the base branch; they surface the conflict set instead.
package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/types"
)

// Coordinator manages branches, worktrees, and the merge queue.
type Coordinator struct {
	st *store.Store
}

// New creates a worktree coordinator.
func New(st *store.Store) *Coordinator {
	return &Coordinator{st: st}
}

// BranchName returns the work branch a worker owns within an outcome.
func BranchName(outcomeID, workerID string) string {
	return "work/" + outcomeID + "/" + workerID
}

// Create gives a worker its own branch and isolated working directory,
// branching from the outcome's base. Fails if the branch already exists.
func (c *Coordinator) Create(ctx context.Context, baseDir string, o *types.Outcome, workerID string) (branch, dir string, err error) {
	branch = BranchName(o.ID, workerID)

	if _, err := runGit(ctx, baseDir, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		return "", "", types.E(types.KindConflict, "branch %s already exists", branch)
	}

	base := o.WorkBranch
	if base == "" {
		base = "HEAD"
	}
	if _, err := runGit(ctx, baseDir, "branch", branch, base); err != nil {
		return "", "", err
	}

	dir = filepath.Join(baseDir, ".worktrees", workerID)
	if _, err := runGit(ctx, baseDir, "worktree", "add", dir, branch); err != nil {
		_, _ = runGit(ctx, baseDir, "branch", "-D", branch)
		return "", "", err
	}

	logging.Get(logging.CategoryWorktree).Info("worktree %s on %s for worker %s", dir, branch, workerID)
	return branch, dir, nil
}

// Remove tears down a worker's worktree and branch after its merge lands.
func (c *Coordinator) Remove(ctx context.Context, baseDir, workerID string, branch string) error {
	dir := filepath.Join(baseDir, ".worktrees", workerID)
	if _, err := runGit(ctx, baseDir, "worktree", "remove", "--force", dir); err != nil {
		return err
	}
	_, err := runGit(ctx, baseDir, "branch", "-D", branch)
	return err
}

// Enqueue appends a worker's branch to the outcome's merge queue.
func (c *Coordinator) Enqueue(outcomeID, workerID, branch string) (*types.MergeRequest, error) {
	m := &types.MergeRequest{OutcomeID: outcomeID, WorkerID: workerID, Branch: branch}
	if err := c.st.EnqueueMerge(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ProcessQueue drains the outcome's merge queue one request at a time.
// Returns how many requests it processed (any terminal state).
func (c *Coordinator) ProcessQueue(ctx context.Context, baseDir, outcomeID string) (int, error) {
	processed := 0
	for {
		m, err := c.st.ClaimNextMerge(outcomeID)
		if err != nil {
			return processed, err
		}
		if m == nil {
			return processed, nil
		}
		c.merge(ctx, baseDir, m)
		if err := c.st.UpdateMerge(m); err != nil {
			return processed, err
		}
		processed++
	}
}

// merge attempts one merge and sets the request's terminal state.
func (c *Coordinator) merge(ctx context.Context, baseDir string, m *types.MergeRequest) {
	log := logging.Get(logging.CategoryWorktree)
	msg := fmt.Sprintf("merge %s", m.Branch)

	out, err := runGit(ctx, baseDir, "merge", "--no-ff", "-m", msg, m.Branch)
	if err == nil {
		m.State = types.MergeCompleted
		log.Info("merged %s into base for %s", m.Branch, m.OutcomeID)
		return
	}

	conflicts := conflictedFiles(ctx, baseDir)
	if len(conflicts) > 0 {
		_, _ = runGit(ctx, baseDir, "merge", "--abort")
		m.State = types.MergeConflicted
		m.Conflicts = conflicts
		m.Error = "merge conflicts in " + strings.Join(conflicts, ", ")
		log.Warn("merge of %s conflicted: %v", m.Branch, conflicts)
		return
	}

	m.State = types.MergeFailed
	m.Error = firstLine(out)
	log.Error("merge of %s failed: %s", m.Branch, m.Error)
}

// CanMergeCleanly dry-runs a merge of the branch into the base. The base is
// left untouched either way.
func (c *Coordinator) CanMergeCleanly(ctx context.Context, baseDir, branch string) (bool, []string, error) {
	_, err := runGit(ctx, baseDir, "merge", "--no-commit", "--no-ff", branch)
	conflicts := conflictedFiles(ctx, baseDir)
	// --no-commit leaves a staged merge behind on success too.
	_, _ = runGit(ctx, baseDir, "merge", "--abort")
	if err == nil {
		return true, nil, nil
	}
	if len(conflicts) > 0 {
		return false, conflicts, nil
	}
	return false, nil, err
}

// Status returns the outcome's merge queue.
func (c *Coordinator) Status(outcomeID string) ([]*types.MergeRequest, error) {
	return c.st.ListMerges(outcomeID)
}

func conflictedFiles(ctx context.Context, dir string) []string {
	out, err := runGit(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil || strings.TrimSpace(out) == "" {
		return nil
	}
	return strings.Fields(strings.TrimSpace(out))
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), types.Wrap(types.KindInternal, err, "git %s: %s", args[0], firstLine(string(out)))
	}
	return string(out), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Package workspace manages the working tree the pipeline mutates: a
// scoped clone of the target repository, branch management, file writes
// and commits, plus pre-modification snapshots for rollback.
//
// The tree is a single shared directory. The modifier stage holds Lock
// for its whole branch/snapshot/write/commit sequence; Restore takes
// the same lock itself, so a rollback waits for an in-flight sequence
// instead of racing it.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// WriteMode selects how WriteFile treats an existing file.
type WriteMode string

const (
	ModeReplace WriteMode = "replace"
	ModeInsert  WriteMode = "insert" // append content plus newline
)

// gitTimeout is the wall-clock guard on every git invocation.
const gitTimeout = 2 * time.Minute

// maxSnapshots bounds the snapshot ring; the oldest is evicted.
const maxSnapshots = 10

// Snapshot is a recoverable copy of the configured file-set.
type Snapshot struct {
	ID      string
	Name    string
	TakenAt time.Time
	files   map[string][]byte // relative path -> content; nil entry = file absent
}

// Workspace is the shared working tree.
type Workspace struct {
	repoURL       string
	dir           string
	snapshotPaths []string // relative paths captured by Snapshot

	mu     sync.Mutex
	snaps  []Snapshot
	nextID int
}

// New creates a workspace rooted at dir, cloned from repoURL on Ensure.
// snapshotPaths lists the files Snapshot/Restore cover.
func New(repoURL, dir string, snapshotPaths []string) *Workspace {
	return &Workspace{repoURL: repoURL, dir: dir, snapshotPaths: snapshotPaths}
}

// Dir returns the working tree root.
func (w *Workspace) Dir() string { return w.dir }

// Lock serializes multi-step mutations on the shared tree. Snapshot and
// the tree-mutating methods assume the caller holds it; Restore,
// ListSnapshots and LatestSnapshot lock on their own and must not be
// called while holding it.
func (w *Workspace) Lock() { w.mu.Lock() }

// Unlock releases the tree.
func (w *Workspace) Unlock() { w.mu.Unlock() }

// git runs one git command in the tree and returns its combined output.
func (w *Workspace) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Ensure makes the working tree available: an existing clone is left
// alone, otherwise the repository is cloned (or initialized when no
// remote is configured). Idempotent.
func (w *Workspace) Ensure(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(w.dir, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.dir), 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if w.repoURL == "" {
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		cmd = exec.CommandContext(tctx, "git", "init")
		cmd.Dir = w.dir
	} else {
		cmd = exec.CommandContext(tctx, "git", "clone", w.repoURL, w.dir)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ensure workspace: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// BranchName builds the per-task branch name from a feedback id.
func BranchName(feedbackID string, now time.Time) string {
	short := feedbackID
	if i := strings.IndexByte(short, '-'); i > 0 {
		short = short[:i]
	}
	return fmt.Sprintf("feedback-%s-%d", short, now.UnixMilli())
}

// CheckoutNewBranch creates and switches to a fresh branch.
func (w *Workspace) CheckoutNewBranch(ctx context.Context, name string) error {
	if _, err := w.git(ctx, "checkout", "-b", name); err != nil {
		return fmt.Errorf("checkout branch %s: %w", name, err)
	}
	return nil
}

// WriteFile mutates one file. Replace overwrites; insert appends the
// content plus a trailing newline to whatever is there.
func (w *Workspace) WriteFile(path string, content string, mode WriteMode) error {
	full := filepath.Join(w.dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	switch mode {
	case ModeReplace, "":
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	case ModeInsert:
		f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		if _, err := f.WriteString(content + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("append %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unknown write mode %q", mode)
	}
	return nil
}

// Remove deletes one file from the tree. Removing a file that does not
// exist is an error; the plan named it, so it should be there.
func (w *Workspace) Remove(path string) error {
	if err := os.Remove(filepath.Join(w.dir, path)); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Commit stages everything and commits, returning the commit hash.
func (w *Workspace) Commit(ctx context.Context, message string) (string, error) {
	if _, err := w.git(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := w.git(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return w.git(ctx, "rev-parse", "HEAD")
}

// Snapshot deep-copies the configured file-set into the ring and
// returns the snapshot id. Missing files are recorded as absent so
// Restore can remove them again. The caller holds Lock.
func (w *Workspace) Snapshot(name string) (string, error) {
	files := make(map[string][]byte, len(w.snapshotPaths))
	for _, rel := range w.snapshotPaths {
		data, err := os.ReadFile(filepath.Join(w.dir, rel))
		if os.IsNotExist(err) {
			files[rel] = nil
			continue
		}
		if err != nil {
			return "", fmt.Errorf("snapshot %s: %w", rel, err)
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		files[rel] = buf
	}

	w.nextID++
	snap := Snapshot{
		ID:      fmt.Sprintf("snap-%d", w.nextID),
		Name:    name,
		TakenAt: time.Now().UTC(),
		files:   files,
	}
	w.snaps = append(w.snaps, snap)
	if len(w.snaps) > maxSnapshots {
		w.snaps = w.snaps[len(w.snaps)-maxSnapshots:]
	}
	return snap.ID, nil
}

// Restore writes every file of the snapshot back byte-for-byte. Files
// recorded as absent are deleted. Restore takes the tree lock, so it
// cannot interleave with a modifier sequence.
func (w *Workspace) Restore(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var snap *Snapshot
	for i := range w.snaps {
		if w.snaps[i].ID == id {
			snap = &w.snaps[i]
			break
		}
	}
	if snap == nil {
		return fmt.Errorf("restore: snapshot %s not found", id)
	}

	for rel, data := range snap.files {
		full := filepath.Join(w.dir, rel)
		if data == nil {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("restore remove %s: %w", rel, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
	}
	return nil
}

// ListSnapshots returns the ring, oldest first.
func (w *Workspace) ListSnapshots() []Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Snapshot, len(w.snaps))
	copy(out, w.snaps)
	return out
}

// LatestSnapshot returns the id of the most recent snapshot, or "".
func (w *Workspace) LatestSnapshot() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.snaps) == 0 {
		return ""
	}
	return w.snaps[len(w.snaps)-1].ID
}

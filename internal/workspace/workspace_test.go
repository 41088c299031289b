package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// initTestRepo creates a temporary git repo with an initial commit.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test.com",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %s failed: %s\n%s", strings.Join(args, " "), err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "test")

	os.WriteFile(filepath.Join(dir, "src.js"), []byte("original\n"), 0644)
	run("add", ".")
	run("commit", "-m", "initial commit")

	return dir
}

func TestEnsure_Idempotent(t *testing.T) {
	dir := initTestRepo(t)
	w := New("", dir, nil)

	// The tree already exists; Ensure must leave it alone.
	if err := w.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure on existing repo: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "src.js")); err != nil {
		t.Fatal("existing tree was disturbed")
	}
}

func TestEnsure_InitializesFreshTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")
	w := New("", dir, nil)

	if err := w.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Fatal("repository not initialized")
	}
}

func TestWriteFile_Modes(t *testing.T) {
	dir := initTestRepo(t)
	w := New("", dir, nil)

	if err := w.WriteFile("src.js", "replaced", ModeReplace); err != nil {
		t.Fatalf("replace: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "src.js"))
	if string(data) != "replaced" {
		t.Errorf("replace wrote %q", data)
	}

	if err := w.WriteFile("src.js", "appended", ModeInsert); err != nil {
		t.Fatalf("insert: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "src.js"))
	if string(data) != "replacedappended\n" {
		t.Errorf("insert wrote %q", data)
	}

	// Insert into a new file in a new directory.
	if err := w.WriteFile("deep/new.js", "line", ModeInsert); err != nil {
		t.Fatalf("insert new: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "deep", "new.js"))
	if string(data) != "line\n" {
		t.Errorf("insert new wrote %q", data)
	}

	if err := w.WriteFile("x", "y", WriteMode("merge")); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestRemove(t *testing.T) {
	dir := initTestRepo(t)
	w := New("", dir, nil)

	if err := w.Remove("src.js"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "src.js")); !os.IsNotExist(err) {
		t.Error("file still present after Remove")
	}
	if err := w.Remove("src.js"); err == nil {
		t.Error("removing an absent file should fail")
	}
}

func TestBranchAndCommit(t *testing.T) {
	dir := initTestRepo(t)
	w := New("", dir, nil)
	ctx := context.Background()

	name := BranchName("5f2a9c31-aaaa-bbbb", time.UnixMilli(1700000000000))
	if name != "feedback-5f2a9c31-1700000000000" {
		t.Fatalf("unexpected branch name %s", name)
	}

	if err := w.CheckoutNewBranch(ctx, name); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := w.WriteFile("src.js", "fixed\n", ModeReplace); err != nil {
		t.Fatal(err)
	}

	hash, err := w.Commit(ctx, "patchline: fix translation")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(hash) != 40 {
		t.Errorf("expected full commit hash, got %q", hash)
	}

	// Committing the same branch name twice must fail.
	if err := w.CheckoutNewBranch(ctx, name); err == nil {
		t.Error("expected duplicate branch to fail")
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	dir := initTestRepo(t)
	w := New("", dir, []string{"src.js", "missing.js"})

	w.Lock()
	id, err := w.Snapshot("pre-modify")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Mutate the tree: overwrite one file, create the missing one.
	w.WriteFile("src.js", "broken", ModeReplace)
	w.WriteFile("missing.js", "should vanish", ModeReplace)
	w.Unlock()

	if err := w.Restore(id); err != nil {
		t.Fatalf("restore: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "src.js"))
	if string(data) != "original\n" {
		t.Errorf("src.js not restored byte-for-byte: %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.js")); !os.IsNotExist(err) {
		t.Error("file absent at snapshot time should be removed")
	}
}

func TestSnapshotRing_EvictsOldest(t *testing.T) {
	dir := initTestRepo(t)
	w := New("", dir, []string{"src.js"})

	var first string
	w.Lock()
	for i := 0; i < maxSnapshots+2; i++ {
		id, err := w.Snapshot("s")
		if err != nil {
			w.Unlock()
			t.Fatal(err)
		}
		if i == 0 {
			first = id
		}
	}
	w.Unlock()

	if got := len(w.ListSnapshots()); got != maxSnapshots {
		t.Fatalf("expected ring of %d, got %d", maxSnapshots, got)
	}
	if err := w.Restore(first); err == nil {
		t.Error("oldest snapshot should have been evicted")
	}
	if w.LatestSnapshot() == "" {
		t.Error("latest snapshot should exist")
	}
}

// A modifier sequence on one goroutine must serialize against another
// task's rollback; run both under the race detector.
func TestSnapshotRestore_SerializedAcrossTasks(t *testing.T) {
	dir := initTestRepo(t)
	w := New("", dir, []string{"src.js"})

	const rounds = 8 // stays under maxSnapshots so nothing is evicted

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			w.Lock()
			if _, err := w.Snapshot("pre-modify"); err != nil {
				t.Errorf("snapshot: %v", err)
			}
			if err := w.WriteFile("src.js", fmt.Sprintf("attempt %d\n", i), ModeReplace); err != nil {
				t.Errorf("write: %v", err)
			}
			w.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if id := w.LatestSnapshot(); id != "" {
				if err := w.Restore(id); err != nil {
					t.Errorf("restore %s: %v", id, err)
				}
			}
		}
	}()

	wg.Wait()

	// Every surviving snapshot must still restore cleanly.
	for _, snap := range w.ListSnapshots() {
		if err := w.Restore(snap.ID); err != nil {
			t.Errorf("restore %s after the fact: %v", snap.ID, err)
		}
	}
}

//go:build linux

package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// settleDelay gives the kernel and the worker goroutine time to deliver
// and drain notifications between filesystem operations.
const settleDelay = 150 * time.Millisecond

func settle() { time.Sleep(settleDelay) }

// collector buffers drained events for assertion. It is only touched from
// the test goroutine via ProcessEvents.
type collector struct {
	events []NotifyEvent
}

func (c *collector) HandleEvent(e NotifyEvent) {
	c.events = append(c.events, e)
}

func allOptions() WatchOptions {
	return WatchOptions{NotifyFilter: NotifyAll, BufferSize: 8192}
}

// expectEvent fails the test unless c.events[i] matches the given shape.
func expectEvent(t *testing.T, c *collector, i int, typ EventType, flags NotifyFlags, path, lastPath string) {
	t.Helper()
	if i >= len(c.events) {
		t.Fatalf("event %d missing; have %d events: %+v", i, len(c.events), c.events)
	}
	e := c.events[i]
	if e.Type != typ {
		t.Errorf("event %d type = %v, want %v", i, e.Type, typ)
	}
	if e.Flags != flags {
		t.Errorf("event %d flags = %v, want %v", i, e.Flags, flags)
	}
	if e.Path != path {
		t.Errorf("event %d path = %q, want %q", i, e.Path, path)
	}
	if e.LastPath != lastPath {
		t.Errorf("event %d lastPath = %q, want %q", i, e.LastPath, lastPath)
	}
}

// TestDirectoryCreateRenameDelete covers the directory lifecycle: mkdir,
// rename, rmdir, with the rename halves coalesced into one event.
func TestDirectoryCreateRenameDelete(t *testing.T) {
	root := t.TempDir()
	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)
	defer dw.Close()

	if err := dw.Watch(root, allOptions()); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	settle()

	if err := os.Mkdir(filepath.Join(root, "new_dir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	settle()
	if err := os.Rename(filepath.Join(root, "new_dir"), filepath.Join(root, "my_new_dir")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	settle()
	if err := os.Remove(filepath.Join(root, "my_new_dir")); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
	settle()

	dw.StopWatching()
	dw.ProcessEvents()

	if len(c.events) != 5 {
		t.Fatalf("got %d events, want 5: %+v", len(c.events), c.events)
	}
	expectEvent(t, c, 0, Start, 0, root, "")
	expectEvent(t, c, 1, Filesystem, NotifyCreated, filepath.Join(root, "new_dir"), "")
	expectEvent(t, c, 2, Filesystem, NotifyRenamed, filepath.Join(root, "my_new_dir"), filepath.Join(root, "new_dir"))
	expectEvent(t, c, 3, Filesystem, NotifyDeleted, filepath.Join(root, "my_new_dir"), "")
	expectEvent(t, c, 4, Stop, 0, root, "")
}

// TestFileCreateModifyDelete covers the file lifecycle: an open-write-close
// produces Created then Modified, and the unlink produces Deleted.
func TestFileCreateModifyDelete(t *testing.T) {
	root := t.TempDir()
	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)
	defer dw.Close()

	if err := dw.Watch(root, allOptions()); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	settle()

	file := filepath.Join(root, "new_file")
	if err := os.WriteFile(file, []byte("Hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	settle()
	if err := os.Remove(file); err != nil {
		t.Fatalf("remove: %v", err)
	}
	settle()

	dw.StopWatching()
	dw.ProcessEvents()

	if len(c.events) != 5 {
		t.Fatalf("got %d events, want 5: %+v", len(c.events), c.events)
	}
	expectEvent(t, c, 0, Start, 0, root, "")
	expectEvent(t, c, 1, Filesystem, NotifyCreated, file, "")
	expectEvent(t, c, 2, Filesystem, NotifyModified, file, "")
	expectEvent(t, c, 3, Filesystem, NotifyDeleted, file, "")
	expectEvent(t, c, 4, Stop, 0, root, "")
}

// TestRenamePreexistingFile renames a file that existed before the watch
// started.
func TestRenamePreexistingFile(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "new_file")
	newPath := filepath.Join(root, "my_new_file")
	if err := os.WriteFile(oldPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("pre-create: %v", err)
	}

	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)
	defer dw.Close()

	if err := dw.Watch(root, allOptions()); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	settle()

	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("rename: %v", err)
	}
	settle()

	dw.StopWatching()
	dw.ProcessEvents()

	if len(c.events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(c.events), c.events)
	}
	expectEvent(t, c, 0, Start, 0, root, "")
	expectEvent(t, c, 1, Filesystem, NotifyRenamed, newPath, oldPath)
	expectEvent(t, c, 2, Stop, 0, root, "")
}

// TestMovesAcrossWatchBoundary verifies that moves into and out of the
// watched root degrade to Created and Deleted rather than pairing into
// Renamed events.
func TestMovesAcrossWatchBoundary(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "existing_file")
	insideFile := filepath.Join(root, "existing_file")
	if err := os.WriteFile(outsideFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("pre-create: %v", err)
	}

	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)
	defer dw.Close()

	if err := dw.Watch(root, allOptions()); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	settle()

	if err := os.Rename(outsideFile, insideFile); err != nil {
		t.Fatalf("move in: %v", err)
	}
	settle()
	if err := os.Rename(insideFile, outsideFile); err != nil {
		t.Fatalf("move out: %v", err)
	}
	settle()

	dw.StopWatching()
	dw.ProcessEvents()

	if len(c.events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(c.events), c.events)
	}
	expectEvent(t, c, 0, Start, 0, root, "")
	expectEvent(t, c, 1, Filesystem, NotifyCreated, insideFile, "")
	expectEvent(t, c, 2, Filesystem, NotifyDeleted, insideFile, "")
	expectEvent(t, c, 3, Stop, 0, root, "")
}

// TestSymlinkedSubtree watches with subtree+symlinks enabled, links an
// outside directory into the tree, and writes through the outside path.
// Events must surface under the link-rooted path.
func TestSymlinkedSubtree(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "sym_link")

	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)
	defer dw.Close()

	opts := allOptions()
	opts.Subtree = true
	opts.FollowSymlinks = true
	if err := dw.Watch(root, opts); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	settle()

	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	settle()
	if err := os.WriteFile(filepath.Join(outside, "existing_file"), []byte("Hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	settle()

	dw.StopWatching()
	dw.ProcessEvents()

	if len(c.events) != 5 {
		t.Fatalf("got %d events, want 5: %+v", len(c.events), c.events)
	}
	expectEvent(t, c, 0, Start, 0, root, "")
	expectEvent(t, c, 1, Filesystem, NotifyCreated, link, "")
	expectEvent(t, c, 2, Filesystem, NotifyCreated, filepath.Join(link, "existing_file"), "")
	expectEvent(t, c, 3, Filesystem, NotifyModified, filepath.Join(link, "existing_file"), "")
	expectEvent(t, c, 4, Stop, 0, root, "")
}

// TestNotifyFilterSuppressesEvents repeats the file lifecycle with a
// Created|Deleted filter; the Modified event must not reach the buffer.
func TestNotifyFilterSuppressesEvents(t *testing.T) {
	root := t.TempDir()
	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)
	defer dw.Close()

	opts := allOptions()
	opts.NotifyFilter = NotifyCreated | NotifyDeleted
	if err := dw.Watch(root, opts); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	settle()

	file := filepath.Join(root, "new_file")
	if err := os.WriteFile(file, []byte("Hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	settle()
	if err := os.Remove(file); err != nil {
		t.Fatalf("remove: %v", err)
	}
	settle()

	dw.StopWatching()
	dw.ProcessEvents()

	if len(c.events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(c.events), c.events)
	}
	expectEvent(t, c, 0, Start, 0, root, "")
	expectEvent(t, c, 1, Filesystem, NotifyCreated, file, "")
	expectEvent(t, c, 2, Filesystem, NotifyDeleted, file, "")
	expectEvent(t, c, 3, Stop, 0, root, "")
}

// TestStartStopFraming verifies that a Watch immediately followed by
// StopWatching yields exactly Start then Stop.
func TestStartStopFraming(t *testing.T) {
	root := t.TempDir()
	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)

	if err := dw.Watch(root, allOptions()); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !dw.IsWatching(root) {
		t.Error("IsWatching = false immediately after Watch")
	}

	dw.StopWatching()
	dw.ProcessEvents()

	if len(c.events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(c.events), c.events)
	}
	expectEvent(t, c, 0, Start, 0, root, "")
	expectEvent(t, c, 1, Stop, 0, root, "")
	if dw.IsWatching(root) {
		t.Error("IsWatching = true after StopWatching")
	}
}

// TestRootDeletionUnwindsWorker deletes the watched root and expects the
// worker to exit on its own, with framing intact and no user events.
func TestRootDeletionUnwindsWorker(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "victim")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)
	defer dw.Close()

	if err := dw.Watch(root, allOptions()); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	settle()

	if err := os.Remove(root); err != nil {
		t.Fatalf("remove root: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for dw.IsWatching(root) {
		if time.Now().After(deadline) {
			t.Fatal("worker did not unwind after root deletion")
		}
		time.Sleep(10 * time.Millisecond)
	}

	dw.StopWatching()
	dw.ProcessEvents()

	if len(c.events) != 2 {
		t.Fatalf("got %d events, want Start and Stop only: %+v", len(c.events), c.events)
	}
	expectEvent(t, c, 0, Start, 0, root, "")
	expectEvent(t, c, 1, Stop, 0, root, "")
}

// TestEventOrderingUnderLoad creates a burst of files and verifies that
// the Created events drain in creation order (FIFO through the buffer).
func TestEventOrderingUnderLoad(t *testing.T) {
	root := t.TempDir()
	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)
	defer dw.Close()

	opts := allOptions()
	opts.NotifyFilter = NotifyCreated
	if err := dw.Watch(root, opts); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	settle()

	faker := gofakeit.New(1)
	var names []string
	for i := 0; i < 25; i++ {
		name := fmt.Sprintf("%s_%02d", faker.LetterN(8), i)
		names = append(names, name)
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	settle()

	dw.StopWatching()
	dw.ProcessEvents()

	if len(c.events) != len(names)+2 {
		t.Fatalf("got %d events, want %d", len(c.events), len(names)+2)
	}
	for i, name := range names {
		expectEvent(t, c, i+1, Filesystem, NotifyCreated, filepath.Join(root, name), "")
	}
}

// TestMultipleRootsInterleave runs two independent root workers and checks
// that each root's subsequence is consistent on its own (framing plus its
// own events) regardless of the other's activity.
func TestMultipleRootsInterleave(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	c := &collector{}
	dw := NewDirectoryWatcher(c, nil)
	defer dw.Close()

	if err := dw.Watch(rootA, allOptions()); err != nil {
		t.Fatalf("Watch A: %v", err)
	}
	if err := dw.Watch(rootB, allOptions()); err != nil {
		t.Fatalf("Watch B: %v", err)
	}
	settle()

	if err := os.WriteFile(filepath.Join(rootA, "a_file"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootB, "b_file"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}
	settle()

	dw.StopWatching()
	dw.ProcessEvents()

	for _, root := range []string{rootA, rootB} {
		var sub []NotifyEvent
		for _, e := range c.events {
			if e.Path == root || isSubPath(e.Path, root) {
				sub = append(sub, e)
			}
		}
		if len(sub) < 3 {
			t.Fatalf("root %s subsequence too short: %+v", root, sub)
		}
		if sub[0].Type != Start {
			t.Errorf("root %s: first event is %v, want Start", root, sub[0].Type)
		}
		if sub[len(sub)-1].Type != Stop {
			t.Errorf("root %s: last event is %v, want Stop", root, sub[len(sub)-1].Type)
		}
		for _, e := range sub[1 : len(sub)-1] {
			if e.Type != Filesystem {
				t.Errorf("root %s: interior event is %v, want Filesystem", root, e.Type)
			}
		}
	}
}

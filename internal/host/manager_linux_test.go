//go:build linux

package host

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dirsentry/agent/internal/watch"
)

// fakeRecorder counts recorder notifications.
type fakeRecorder struct {
	started int
	stopped int
	events  map[watch.NotifyFlags]int
}

func (r *fakeRecorder) SessionStarted(string) { r.started++ }
func (r *fakeRecorder) SessionStopped(string) { r.stopped++ }
func (r *fakeRecorder) RecordEvent(_ string, flags watch.NotifyFlags) {
	if r.events == nil {
		r.events = map[watch.NotifyFlags]int{}
	}
	r.events[flags]++
}

// TestPumpDispatchesCallbacks drives a real watcher end to end: start,
// touch files, pump, stop, and assert the callback sequence with
// base-relative paths.
func TestPumpDispatchesCallbacks(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "data"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	rec := &fakeRecorder{}
	m := NewManager(root, nil, rec)
	defer m.Close()

	var log []string
	cb := Callbacks{
		OnStarted:  func(path string) { log = append(log, "started "+path) },
		OnStopped:  func(path string) { log = append(log, "stopped "+path) },
		OnCreated:  func(path string) { log = append(log, "created "+path) },
		OnModified: func(path string) { log = append(log, "modified "+path) },
		OnDeleted:  func(path string) { log = append(log, "deleted "+path) },
		OnRenamed: func(oldPath, newPath string) {
			log = append(log, "renamed "+oldPath+" -> "+newPath)
		},
	}

	h := m.Create("plugin-a", "data", cb)
	if err := m.Start(h, watch.WatchOptions{NotifyFilter: watch.NotifyAll}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if !m.IsWatching(h) {
		t.Fatal("IsWatching = false after Start")
	}

	file := filepath.Join(root, "data", "note.txt")
	if err := os.WriteFile(file, []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := os.Rename(file, filepath.Join(root, "data", "note.md")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	m.Pump()
	if err := m.Stop(h); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		"started " + filepath.Join("data"),
		"created " + filepath.Join("data", "note.txt"),
		"modified " + filepath.Join("data", "note.txt"),
		"renamed " + filepath.Join("data", "note.txt") + " -> " + filepath.Join("data", "note.md"),
		"stopped " + filepath.Join("data"),
	}
	if len(log) != len(want) {
		t.Fatalf("callback log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, log[i], want[i])
		}
	}

	if rec.started != 1 || rec.stopped != 1 {
		t.Errorf("recorder sessions = %d/%d, want 1/1", rec.started, rec.stopped)
	}
	if rec.events[watch.NotifyCreated] != 1 || rec.events[watch.NotifyModified] != 1 || rec.events[watch.NotifyRenamed] != 1 {
		t.Errorf("recorder events = %v", rec.events)
	}

	status := m.Snapshot()[0]
	if status.Created != 1 || status.Modified != 1 || status.Renamed != 1 {
		t.Errorf("snapshot counters = %+v", status)
	}
	if status.Watching {
		t.Error("snapshot still watching after Stop")
	}
}

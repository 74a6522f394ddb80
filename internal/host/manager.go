// Package host is the integration layer between the watcher engine and its
// consumers. It keeps a registry of watcher instances behind opaque
// handles, fans drained events out to per-consumer callbacks, translates
// event paths back to the configured base root, and drives the engine's
// drain from a single pump entry point.
package host

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dirsentry/agent/internal/watch"
)

// Handle is an opaque identifier for a registered watcher. Handles are
// never reused within a Manager's lifetime.
type Handle uint32

// Callbacks carries the optional per-consumer event callbacks. Paths are
// base-relative when the event lies under the manager root and absolute
// otherwise. Callbacks are invoked from the goroutine calling Pump (or
// Stop), one event at a time in FIFO order, while the engine's buffer
// mutex is held: they must not call back into the manager.
type Callbacks struct {
	OnStarted  func(path string)
	OnStopped  func(path string)
	OnCreated  func(path string)
	OnDeleted  func(path string)
	OnModified func(path string)
	OnRenamed  func(oldPath, newPath string)
}

// Recorder is notified about session lifecycle and event counts. The
// stats store implements it; a nil Recorder disables recording. Event
// payloads are never handed to the Recorder, only the root and the flag.
type Recorder interface {
	SessionStarted(root string)
	SessionStopped(root string)
	RecordEvent(root string, flags watch.NotifyFlags)
}

// Watcher is one registered watcher instance: the engine façade plus the
// consumer's callbacks, ownership tag, and running counters.
type Watcher struct {
	handle  Handle
	owner   string
	path    string // absolute watch root
	manager *Manager

	dw       *watch.DirectoryWatcher
	options  watch.WatchOptions
	watching bool

	created  uint64
	deleted  uint64
	modified uint64
	renamed  uint64
}

// HandleEvent dispatches one drained engine event to the consumer
// callbacks and the recorder. It runs on the pumping goroutine with the
// manager mutex held.
func (w *Watcher) HandleEvent(e watch.NotifyEvent) {
	cb := w.manager.callbacks[w.handle]
	switch e.Type {
	case watch.Start:
		if w.manager.recorder != nil {
			w.manager.recorder.SessionStarted(w.path)
		}
		if cb.OnStarted != nil {
			cb.OnStarted(w.manager.translate(e.Path))
		}
	case watch.Stop:
		w.watching = false
		if w.manager.recorder != nil {
			w.manager.recorder.SessionStopped(w.path)
		}
		if cb.OnStopped != nil {
			cb.OnStopped(w.manager.translate(e.Path))
		}
	case watch.Filesystem:
		if w.manager.recorder != nil {
			w.manager.recorder.RecordEvent(w.path, e.Flags)
		}
		switch e.Flags {
		case watch.NotifyCreated:
			w.created++
			if cb.OnCreated != nil {
				cb.OnCreated(w.manager.translate(e.Path))
			}
		case watch.NotifyDeleted:
			w.deleted++
			if cb.OnDeleted != nil {
				cb.OnDeleted(w.manager.translate(e.Path))
			}
		case watch.NotifyModified:
			w.modified++
			if cb.OnModified != nil {
				cb.OnModified(w.manager.translate(e.Path))
			}
		case watch.NotifyRenamed:
			w.renamed++
			if cb.OnRenamed != nil {
				cb.OnRenamed(w.manager.translate(e.LastPath), w.manager.translate(e.Path))
			}
		}
	}
}

// Status is a point-in-time view of one registered watcher.
type Status struct {
	Handle   Handle `json:"handle"`
	Owner    string `json:"owner"`
	Path     string `json:"path"`
	Watching bool   `json:"watching"`
	Created  uint64 `json:"created"`
	Deleted  uint64 `json:"deleted"`
	Modified uint64 `json:"modified"`
	Renamed  uint64 `json:"renamed"`
}

// Manager owns the watcher registry. All methods are safe for concurrent
// use; callbacks fire on the goroutine calling Pump or Stop.
type Manager struct {
	root     string
	logger   *slog.Logger
	recorder Recorder

	mu         sync.Mutex
	nextHandle Handle
	watchers   map[Handle]*Watcher
	callbacks  map[Handle]Callbacks
}

// NewManager creates a manager whose relative watch paths and callback
// paths resolve against root (an absolute directory). recorder may be nil.
func NewManager(root string, logger *slog.Logger, recorder Recorder) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		root:      filepath.Clean(root),
		logger:    logger,
		recorder:  recorder,
		watchers:  map[Handle]*Watcher{},
		callbacks: map[Handle]Callbacks{},
	}
}

// resolve turns a configured watch path into an absolute one.
func (m *Manager) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(m.root, path)
}

// translate converts an absolute event path back to base-relative form
// when it lies under the manager root; other paths pass through absolute.
func (m *Manager) translate(path string) string {
	if path == m.root {
		return "."
	}
	prefix := m.root + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		return path[len(prefix):]
	}
	return path
}

// Create registers a new watcher for owner at path (relative to the
// manager root unless absolute) and returns its handle. The watcher does
// not start until Start is called.
func (m *Manager) Create(owner, path string, cb Callbacks) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextHandle++
	h := m.nextHandle

	w := &Watcher{
		handle:  h,
		owner:   owner,
		path:    m.resolve(path),
		manager: m,
	}
	w.dw = watch.NewDirectoryWatcher(w, m.logger)
	m.watchers[h] = w
	m.callbacks[h] = cb

	m.logger.Debug("host: watcher registered",
		slog.Uint64("handle", uint64(h)),
		slog.String("owner", owner),
		slog.String("path", w.path),
	)
	return h
}

// Start begins watching with the given options. It fails if the handle is
// unknown, the watcher is already running, or the path is not an existing
// directory.
func (m *Manager) Start(h Handle, opts watch.WatchOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[h]
	if !ok {
		return fmt.Errorf("host: unknown watcher handle %d", h)
	}
	if w.watching {
		return fmt.Errorf("host: watcher handle %d is already running", h)
	}
	if err := w.dw.Watch(w.path, opts); err != nil {
		return err
	}
	w.options = opts
	w.watching = true
	return nil
}

// Stop stops the watcher and drains its remaining events (including the
// terminal Stop marker) into the callbacks before returning.
func (m *Manager) Stop(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(h)
}

func (m *Manager) stopLocked(h Handle) error {
	w, ok := m.watchers[h]
	if !ok {
		return fmt.Errorf("host: unknown watcher handle %d", h)
	}
	w.dw.StopWatching()
	w.dw.ProcessEvents()
	w.watching = false
	return nil
}

// IsWatching reports whether the watcher behind h has a running root
// worker.
func (m *Manager) IsWatching(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watchers[h]
	return ok && w.watching && w.dw.IsWatching(w.path)
}

// Release stops the watcher and removes it from the registry.
func (m *Manager) Release(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stopLocked(h); err != nil {
		return err
	}
	delete(m.watchers, h)
	delete(m.callbacks, h)
	return nil
}

// DetachOwner releases every watcher registered by owner. Used when a
// consumer goes away with live handles.
func (m *Manager) DetachOwner(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for h, w := range m.watchers {
		if w.owner != owner {
			continue
		}
		_ = m.stopLocked(h)
		delete(m.watchers, h)
		delete(m.callbacks, h)
	}
}

// Pump drains every registered watcher's buffered events into its
// callbacks, in handle order. The daemon calls this on its tick.
func (m *Manager) Pump() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.sortedHandles() {
		m.watchers[h].dw.ProcessEvents()
	}
}

// Snapshot returns the status of every registered watcher in handle order.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(m.watchers))
	for _, h := range m.sortedHandles() {
		w := m.watchers[h]
		statuses = append(statuses, Status{
			Handle:   w.handle,
			Owner:    w.owner,
			Path:     m.translate(w.path),
			Watching: w.watching && w.dw.IsWatching(w.path),
			Created:  w.created,
			Deleted:  w.deleted,
			Modified: w.modified,
			Renamed:  w.renamed,
		})
	}
	return statuses
}

// Close releases every registered watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for h := range m.watchers {
		_ = m.stopLocked(h)
	}
	m.watchers = map[Handle]*Watcher{}
	m.callbacks = map[Handle]Callbacks{}
}

// sortedHandles returns the registered handles in ascending order. Called
// with the mutex held.
func (m *Manager) sortedHandles() []Handle {
	handles := make([]Handle, 0, len(m.watchers))
	for h := range m.watchers {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

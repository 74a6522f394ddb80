package watch

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// EventHandler receives drained events from ProcessEvents. The handler is
// invoked while the event-buffer mutex is held: it must not call back into
// the watcher and must not block on worker goroutines.
type EventHandler interface {
	HandleEvent(e NotifyEvent)
}

// EventHandlerFunc adapts a plain function to the EventHandler interface.
type EventHandlerFunc func(e NotifyEvent)

// HandleEvent calls f(e).
func (f EventHandlerFunc) HandleEvent(e NotifyEvent) { f(e) }

// DirectoryWatcher is the public façade over the watcher engine. It holds
// one root worker per Watch call, owns the shared event buffer, and drains
// buffered events into the handler on ProcessEvents.
//
// Watch, IsWatching, StopWatching, and ProcessEvents are intended to be
// called from the consumer's goroutine; the workers' producer goroutines
// touch only the event buffer.
type DirectoryWatcher struct {
	handler EventHandler
	logger  *slog.Logger
	buffer  *eventBuffer

	mu      sync.Mutex
	workers []*worker

	processing atomic.Bool
}

// NewDirectoryWatcher constructs a watcher that dispatches drained events
// to handler. A nil logger discards log output.
func NewDirectoryWatcher(handler EventHandler, logger *slog.Logger) *DirectoryWatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DirectoryWatcher{
		handler: handler,
		logger:  logger,
		buffer:  &eventBuffer{},
	}
}

// Watch starts watching the directory at absPath with the given options.
// The root worker's goroutine is running when Watch returns, and a Start
// marker is already on its way into the event buffer. Watch fails only if
// absPath does not name an existing directory.
func (dw *DirectoryWatcher) Watch(absPath string, opts WatchOptions) error {
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch: %s is not a directory", absPath)
	}

	absPath = filepath.Clean(absPath)
	w := newWorker(true, absPath, opts.normalized(), dw.buffer, dw.logger)

	dw.mu.Lock()
	dw.workers = append(dw.workers, w)
	dw.mu.Unlock()

	dw.logger.Info("watch: root worker started",
		slog.String("path", absPath),
		slog.Bool("subtree", opts.Subtree),
		slog.Bool("symlinks", opts.FollowSymlinks),
	)
	return nil
}

// IsWatching reports whether a root worker for absPath is still running,
// i.e. its event loop has not yet unwound.
func (dw *DirectoryWatcher) IsWatching(absPath string) bool {
	absPath = filepath.Clean(absPath)

	dw.mu.Lock()
	defer dw.mu.Unlock()
	for _, w := range dw.workers {
		if w.basePath == absPath && w.isRunning() {
			return true
		}
	}
	return false
}

// StopWatching stops and releases every root worker. Each worker's cancel
// signal is raised and its goroutine joined, so every root completes its
// Start → … → Stop sequence in the buffer before StopWatching returns. The
// buffered events remain available to ProcessEvents.
func (dw *DirectoryWatcher) StopWatching() {
	dw.mu.Lock()
	workers := dw.workers
	dw.workers = nil
	dw.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

// ProcessEvents drains the event buffer FIFO, invoking the handler once
// per event under the buffer mutex. Events arriving mid-drain are served
// by the next call. Reentrant calls (a handler calling ProcessEvents) are
// ignored.
func (dw *DirectoryWatcher) ProcessEvents() {
	if !dw.processing.CompareAndSwap(false, true) {
		return
	}
	defer dw.processing.Store(false)

	dw.buffer.drain(dw.handler.HandleEvent)
}

// Close stops all workers. It is equivalent to StopWatching and exists so
// the watcher satisfies the usual closer shape in deferred cleanups.
func (dw *DirectoryWatcher) Close() error {
	dw.StopWatching()
	return nil
}

// Fallback for platforms without a native backend. The worker satisfies
// the same contract — construction starts the goroutine, root workers emit
// Start and Stop — but the event loop exits immediately, so no filesystem
// events are ever delivered.
//
//go:build !linux && !windows

package watch

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

type worker struct {
	isRoot   bool
	basePath string
	opts     WatchOptions
	buffer   *eventBuffer
	logger   *slog.Logger

	wg       sync.WaitGroup
	exited   atomic.Bool
	stopOnce sync.Once
}

func newWorker(isRoot bool, basePath string, opts WatchOptions, buffer *eventBuffer, logger *slog.Logger) *worker {
	w := &worker{
		isRoot:   isRoot,
		basePath: basePath,
		opts:     opts,
		buffer:   buffer,
		logger:   logger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *worker) isRunning() bool {
	return !w.exited.Load()
}

func (w *worker) stop() {
	w.stopOnce.Do(func() {
		w.wg.Wait()
	})
}

func (w *worker) run() {
	defer w.wg.Done()

	if w.isRoot {
		w.buffer.publish([]NotifyEvent{{Type: Start, Path: w.basePath}})
	}
	w.logger.Warn("watch: native watching is not supported on this platform",
		slog.String("path", w.basePath))
	w.exited.Store(true)
	if w.isRoot {
		w.buffer.publish([]NotifyEvent{{Type: Stop, Path: w.basePath}})
	}
}

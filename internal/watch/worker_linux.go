// Linux backend: one inotify instance per worker plus an eventfd cancel
// signal, multiplexed with poll(2). A single inotify descriptor covers the
// whole subtree, so Linux workers never spawn children.
//
//go:build linux

package watch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// watchMask is the inotify mask applied to every watch. The full mask is
// used regardless of the configured notify filter; filtering happens at
// batch publication.
const watchMask uint32 = unix.IN_CREATE |
	unix.IN_MOVE |
	unix.IN_DELETE |
	unix.IN_CLOSE_WRITE |
	unix.IN_DELETE_SELF |
	unix.IN_MOVE_SELF

// worker owns one inotify instance and one goroutine. Root workers frame
// their stream with Start/Stop markers; the shared buffer is the only
// state they touch outside their own fields.
type worker struct {
	isRoot   bool
	basePath string
	opts     WatchOptions
	buffer   *eventBuffer
	logger   *slog.Logger

	fd       int            // inotify descriptor, -1 when init failed
	cancelFd int            // eventfd cancel signal, -1 when init failed
	wds      map[int]string // watch descriptor → path relative to basePath
	initErr  error

	wg       sync.WaitGroup
	exited   atomic.Bool
	stopOnce sync.Once
}

// newWorker creates the kernel source and starts the worker goroutine
// before returning. Creation failures are not fatal: the worker is still
// constructed and its loop exits immediately, so a root worker preserves
// the Start/Stop framing.
func newWorker(isRoot bool, basePath string, opts WatchOptions, buffer *eventBuffer, logger *slog.Logger) *worker {
	w := &worker{
		isRoot:   isRoot,
		basePath: basePath,
		opts:     opts,
		buffer:   buffer,
		logger:   logger,
		fd:       -1,
		cancelFd: -1,
		wds:      make(map[int]string),
	}

	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		w.initErr = fmt.Errorf("watch: inotify init: %w", err)
	} else {
		w.fd = fd
		cancelFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
		if err != nil {
			w.initErr = fmt.Errorf("watch: eventfd: %w", err)
		} else {
			w.cancelFd = cancelFd
		}
	}

	w.wg.Add(1)
	go w.run()
	return w
}

// isRunning reports whether the worker's event loop has not yet returned.
func (w *worker) isRunning() bool {
	return !w.exited.Load()
}

// stop raises the cancel signal, joins the goroutine, and releases the
// kernel descriptors, in that order. It is idempotent.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		if w.cancelFd >= 0 {
			var one [8]byte
			binary.NativeEndian.PutUint64(one[:], 1)
			_, _ = unix.Write(w.cancelFd, one[:])
		}
		w.wg.Wait()
		if w.fd >= 0 {
			_ = unix.Close(w.fd)
			w.fd = -1
		}
		if w.cancelFd >= 0 {
			_ = unix.Close(w.cancelFd)
			w.cancelFd = -1
		}
	})
}

// run is the worker goroutine. It emits the Start marker on entry and the
// Stop marker on exit (root workers only), registers the watch tree, and
// then blocks in poll(2) on the inotify descriptor and the cancel eventfd.
func (w *worker) run() {
	defer w.wg.Done()

	if w.isRoot {
		w.buffer.publish([]NotifyEvent{{Type: Start, Path: w.basePath}})
	}
	defer func() {
		w.exited.Store(true)
		if w.isRoot {
			w.buffer.publish([]NotifyEvent{{Type: Stop, Path: w.basePath}})
		}
	}()

	if w.initErr != nil {
		w.logger.Warn("watch: worker failed to initialise",
			slog.String("path", w.basePath),
			slog.Any("error", w.initErr),
		)
		return
	}

	w.addWatchRecursive("")
	if len(w.wds) == 0 {
		w.logger.Warn("watch: cannot watch root directory",
			slog.String("path", w.basePath))
		return
	}

	buf := make([]byte, w.opts.BufferSize)
	fds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
		{Fd: int32(w.cancelFd), Events: unix.POLLIN},
	}

	for {
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Error("watch: poll failed",
				slog.String("path", w.basePath),
				slog.Any("error", err),
			)
			return
		}
		if n == 0 {
			continue
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		batch, fatal := w.drainKernel(buf)
		w.buffer.publish(filterBatch(batch, w.opts.NotifyFilter))
		if fatal {
			return
		}
		if len(w.wds) == 0 {
			// Root was deleted or moved away and all watches unwound.
			return
		}
	}
}

// drainKernel reads the inotify descriptor until EAGAIN, classifying each
// packed record into the in-batch event list. Rename pairing operates only
// inside the returned batch. A read error other than EAGAIN is terminal
// for the worker; the events classified so far are still returned.
func (w *worker) drainKernel(buf []byte) (batch []NotifyEvent, fatal bool) {
	for {
		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return batch, false
			}
			if err == unix.EINTR {
				continue
			}
			w.logger.Error("watch: inotify read failed",
				slog.String("path", w.basePath),
				slog.Any("error", err),
			)
			return batch, true
		}
		if n <= 0 {
			return batch, false
		}

		for offset := 0; offset+unix.SizeofInotifyEvent <= n; {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			end := offset + unix.SizeofInotifyEvent + int(raw.Len)
			if end > n {
				break // truncated record
			}

			var name string
			if raw.Len > 0 {
				nameBytes := buf[offset+unix.SizeofInotifyEvent : end]
				// The name field is NUL-terminated and padded to a
				// 4-byte boundary.
				if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
					nameBytes = nameBytes[:i]
				}
				name = string(nameBytes)
			}

			batch = w.classify(batch, raw, name)
			offset = end
		}
	}
}

// classify translates one inotify record into zero or one in-batch events
// and maintains the watch-descriptor map.
func (w *worker) classify(batch []NotifyEvent, raw *unix.InotifyEvent, name string) []NotifyEvent {
	mask := raw.Mask

	if mask&unix.IN_Q_OVERFLOW != 0 {
		w.logger.Warn("watch: kernel event queue overflowed; events were lost",
			slog.String("path", w.basePath))
		return batch
	}

	if mask&(unix.IN_MOVE_SELF|unix.IN_DELETE_SELF) != 0 {
		// The watched directory itself is gone; unwind it and every
		// descendant watch without emitting user events.
		w.removeSubtree(int(raw.Wd))
		return batch
	}

	if mask&unix.IN_IGNORED != 0 {
		// Kernel-side ack of a watch removal.
		return batch
	}

	rel, ok := w.wds[int(raw.Wd)]
	if !ok {
		return batch
	}
	path := filepath.Join(w.basePath, rel, name)

	if mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
		if w.opts.Subtree {
			if mask&unix.IN_ISDIR != 0 {
				w.addWatchRecursive(filepath.Join(rel, name))
			} else if w.opts.FollowSymlinks && isSymlinkToDir(path) {
				w.addWatchRecursive(filepath.Join(rel, name))
			}
		}
		if mask&unix.IN_MOVED_TO != 0 && pairRename(batch, raw.Cookie, path) {
			return batch
		}
		return append(batch, NotifyEvent{
			Type:   Filesystem,
			Flags:  NotifyCreated,
			Path:   path,
			cookie: raw.Cookie,
		})
	}

	if mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0 {
		if mask&unix.IN_MOVED_FROM != 0 && pairRename(batch, raw.Cookie, path) {
			return batch
		}
		return append(batch, NotifyEvent{
			Type:   Filesystem,
			Flags:  NotifyDeleted,
			Path:   path,
			cookie: raw.Cookie,
		})
	}

	if mask&unix.IN_CLOSE_WRITE != 0 {
		return append(batch, NotifyEvent{
			Type:  Filesystem,
			Flags: NotifyModified,
			Path:  path,
		})
	}

	return batch
}

// pairRename scans the in-batch list in reverse for an unpaired rename
// half carrying the same cookie and transforms it into a single Renamed
// event at its original position. Reports whether a pair was formed.
func pairRename(batch []NotifyEvent, cookie uint32, newPath string) bool {
	if cookie == 0 {
		return false
	}
	for i := len(batch) - 1; i >= 0; i-- {
		if batch[i].cookie == cookie {
			batch[i].Flags = NotifyRenamed
			batch[i].LastPath = batch[i].Path
			batch[i].Path = newPath
			batch[i].cookie = 0
			return true
		}
	}
	return false
}

// addWatchRecursive registers a watch for the directory at rel and, when
// the subtree option is set, for every nested directory below it.
// Directory symlinks are followed only when the symlinks option is set.
// Directories that cannot be read (typically permission denied) are
// skipped silently. A watch that resolves to an already-watched inode is
// remapped without descending again, which also bounds symlink cycles.
func (w *worker) addWatchRecursive(rel string) {
	if !w.addWatch(rel) {
		return
	}
	if !w.opts.Subtree {
		return
	}

	entries, err := os.ReadDir(filepath.Join(w.basePath, rel))
	if err != nil {
		return
	}
	for _, entry := range entries {
		childRel := filepath.Join(rel, entry.Name())
		switch {
		case entry.IsDir():
			w.addWatchRecursive(childRel)
		case entry.Type()&os.ModeSymlink != 0 && w.opts.FollowSymlinks:
			if isSymlinkToDir(filepath.Join(w.basePath, childRel)) {
				w.addWatchRecursive(childRel)
			}
		}
	}
}

// addWatch registers one inotify watch for the directory at rel and
// records the descriptor mapping. It reports whether the descriptor was
// new; an existing descriptor (same inode reached again) only has its
// recorded path replaced.
func (w *worker) addWatch(rel string) bool {
	abs := filepath.Join(w.basePath, rel)
	wd, err := unix.InotifyAddWatch(w.fd, abs, watchMask)
	if err != nil {
		return false
	}
	_, existed := w.wds[wd]
	w.wds[wd] = rel
	return !existed
}

// removeSubtree drops the watch descriptor wd and every descriptor whose
// recorded path lies below it, both from the kernel and from the map.
func (w *worker) removeSubtree(wd int) {
	root, ok := w.wds[wd]
	if !ok {
		return
	}
	for other, rel := range w.wds {
		if other == wd || isSubPath(rel, root) {
			_, _ = unix.InotifyRmWatch(w.fd, uint32(other))
			delete(w.wds, other)
		}
	}
}

// isSubPath reports whether path equals parent or lies below it. The
// worker root's relative path is the empty string, which covers every
// other watch.
func isSubPath(path, parent string) bool {
	if parent == "" {
		return true
	}
	return path == parent || strings.HasPrefix(path, parent+string(filepath.Separator))
}

// isSymlinkToDir reports whether path is a symbolic link whose target is
// an existing directory.
func isSymlinkToDir(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

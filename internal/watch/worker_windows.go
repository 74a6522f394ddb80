// Windows backend: one overlapped directory handle per worker, read with
// ReadDirectoryChangesExW and waited on together with a manual-reset cancel
// event. ReadDirectoryChangesExW does not cross symbolic-link boundaries,
// so a worker spawns one child worker per directory symlink when both the
// subtree and symlinks options are set.
//
//go:build windows

package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32                 = windows.NewLazySystemDLL("kernel32.dll")
	procReadDirectoryChangesExW = modkernel32.NewProc("ReadDirectoryChangesExW")
)

// readDirectoryNotifyExtendedInformation selects the extended record
// format, which carries FileAttributes (needed to suppress directory
// Modified records).
const readDirectoryNotifyExtendedInformation = 2

// notifyFilter is the fixed change filter handed to the kernel. The full
// filter is used regardless of the configured notify flags; filtering
// happens at batch publication.
const notifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE

// fileNotifyExtendedInformation mirrors FILE_NOTIFY_EXTENDED_INFORMATION.
// FileName (FileNameLength bytes of UTF-16) follows FileNameLength in the
// kernel buffer.
type fileNotifyExtendedInformation struct {
	NextEntryOffset      uint32
	Action               uint32
	CreationTime         int64
	LastModificationTime int64
	LastChangeTime       int64
	LastAccessTime       int64
	AllocatedLength      int64
	FileSize             int64
	FileAttributes       uint32
	ReparsePointTag      uint32
	FileID               int64
	ParentFileID         int64
	FileNameLength       uint32
}

// fileNameOffset is the offset of the FileName field from the start of a
// record. The Go struct pads past FileNameLength for int64 alignment, so
// the offset is computed from the field rather than the struct size.
const fileNameOffset = int(unsafe.Offsetof(fileNotifyExtendedInformation{}.FileNameLength)) + 4

// worker owns one directory handle and one goroutine, plus the child
// workers it spawned for symlinked subdirectories. Children are owned
// exclusively by the parent and never emit Start/Stop markers.
type worker struct {
	isRoot   bool
	basePath string
	opts     WatchOptions
	buffer   *eventBuffer
	logger   *slog.Logger

	dir         windows.Handle
	cancelEvent windows.Handle
	children    []*worker
	initErr     error

	wg       sync.WaitGroup
	exited   atomic.Bool
	stopOnce sync.Once
}

// newWorker opens the directory handle (resolving a symlinked root to its
// target), spawns child workers for existing directory symlinks when
// configured, and starts the worker goroutine before returning. Creation
// failures are not fatal: the worker is still constructed and its loop
// exits immediately, so a root worker preserves the Start/Stop framing.
func newWorker(isRoot bool, basePath string, opts WatchOptions, buffer *eventBuffer, logger *slog.Logger) *worker {
	w := &worker{
		isRoot:   isRoot,
		basePath: basePath,
		opts:     opts,
		buffer:   buffer,
		logger:   logger,
		dir:      windows.InvalidHandle,
	}

	openPath := basePath
	if isSymlinkToDir(basePath) {
		if resolved, err := filepath.EvalSymlinks(basePath); err == nil {
			openPath = resolved
		}
	}

	w.dir, w.initErr = openDirectory(openPath)
	if w.initErr == nil {
		cancelEvent, err := windows.CreateEvent(nil, 1, 0, nil)
		if err != nil {
			w.initErr = fmt.Errorf("watch: create cancel event: %w", err)
		} else {
			w.cancelEvent = cancelEvent
		}
	}

	if w.initErr == nil && opts.Subtree && opts.FollowSymlinks {
		w.spawnLinkChildren(basePath)
	}

	w.wg.Add(1)
	go w.run()
	return w
}

// openDirectory opens path for overlapped directory-change reads.
func openDirectory(path string) (windows.Handle, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return windows.InvalidHandle, fmt.Errorf("watch: encode path: %w", err)
	}
	handle, err := windows.CreateFile(
		pathPtr,
		windows.FILE_LIST_DIRECTORY|windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return windows.InvalidHandle, fmt.Errorf("watch: open directory %s: %w", path, err)
	}
	return handle, nil
}

// spawnLinkChildren walks the existing tree below root and spawns one
// child worker per directory symlink. Non-symlink directories are
// descended into; unreadable directories are skipped silently.
func (w *worker) spawnLinkChildren(root string) {
	pending := []string{root}
	for len(pending) > 0 {
		dir := pending[0]
		pending = pending[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			switch {
			case entry.IsDir():
				pending = append(pending, path)
			case entry.Type()&os.ModeSymlink != 0 && isSymlinkToDir(path):
				w.children = append(w.children,
					newWorker(false, path, w.opts, w.buffer, w.logger))
			}
		}
	}
}

// isRunning reports whether the worker's event loop has not yet returned.
func (w *worker) isRunning() bool {
	return !w.exited.Load()
}

// stop raises the cancel signal, joins the goroutine, releases the kernel
// handles, and finally stops the child workers, in that order. It is
// idempotent.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		if w.cancelEvent != 0 {
			_ = windows.SetEvent(w.cancelEvent)
		}
		w.wg.Wait()
		if w.dir != windows.InvalidHandle {
			_ = windows.CloseHandle(w.dir)
			w.dir = windows.InvalidHandle
		}
		if w.cancelEvent != 0 {
			_ = windows.CloseHandle(w.cancelEvent)
			w.cancelEvent = 0
		}
		for _, child := range w.children {
			child.stop()
		}
		w.children = nil
	})
}

// run is the worker goroutine. It emits the Start marker on entry and the
// Stop marker on exit (root workers only), then alternates between arming
// an overlapped ReadDirectoryChangesExW and waiting on the cancel and
// change events.
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

	changeEvent, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		w.logger.Warn("watch: create change event",
			slog.String("path", w.basePath),
			slog.Any("error", err),
		)
		return
	}
	defer windows.CloseHandle(changeEvent)

	var overlapped windows.Overlapped
	overlapped.HEvent = changeEvent

	buf := make([]byte, w.opts.BufferSize)
	waitHandles := []windows.Handle{w.cancelEvent, changeEvent}

	for {
		if err := w.armRead(buf, &overlapped); err != nil {
			w.logger.Error("watch: ReadDirectoryChangesExW failed",
				slog.String("path", w.basePath),
				slog.Any("error", err),
			)
			return
		}

		event, err := windows.WaitForMultipleObjects(waitHandles, false, windows.INFINITE)
		switch event {
		case windows.WAIT_OBJECT_0:
			// Cancelled.
			return
		case windows.WAIT_OBJECT_0 + 1:
			var n uint32
			if err := windows.GetOverlappedResult(w.dir, &overlapped, &n, true); err != nil {
				w.logger.Error("watch: overlapped result",
					slog.String("path", w.basePath),
					slog.Any("error", err),
				)
				return
			}
			_ = windows.ResetEvent(changeEvent)
			if n == 0 {
				w.logger.Warn("watch: change buffer overflowed; events were lost",
					slog.String("path", w.basePath))
				continue
			}
			batch := w.parseBatch(buf[:n])
			w.buffer.publish(filterBatch(batch, w.opts.NotifyFilter))
		default:
			if err != nil {
				w.logger.Error("watch: wait failed",
					slog.String("path", w.basePath),
					slog.Any("error", err),
				)
			}
			return
		}
	}
}

// armRead issues one overlapped ReadDirectoryChangesExW with the extended
// record format.
func (w *worker) armRead(buf []byte, overlapped *windows.Overlapped) error {
	var subtree uintptr
	if w.opts.Subtree {
		subtree = 1
	}
	r1, _, errno := procReadDirectoryChangesExW.Call(
		uintptr(w.dir),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(uint32(len(buf))),
		subtree,
		uintptr(uint32(notifyFilter)),
		0,
		uintptr(unsafe.Pointer(overlapped)),
		0,
		uintptr(readDirectoryNotifyExtendedInformation),
	)
	if r1 == 0 {
		return errno
	}
	return nil
}

// parseBatch iterates the packed extended records of one completed read,
// translating them into the in-batch event list and maintaining the child
// worker set.
func (w *worker) parseBatch(buf []byte) []NotifyEvent {
	var batch []NotifyEvent

	for offset := 0; offset+fileNameOffset <= len(buf); {
		info := (*fileNotifyExtendedInformation)(unsafe.Pointer(&buf[offset]))

		nameLen := int(info.FileNameLength) / 2
		nameOffset := offset + fileNameOffset
		if nameOffset+nameLen*2 > len(buf) {
			break // truncated record
		}
		nameWords := unsafe.Slice((*uint16)(unsafe.Pointer(&buf[nameOffset])), nameLen)
		name := string(utf16.Decode(nameWords))
		path := filepath.Join(w.basePath, name)

		switch info.Action {
		case windows.FILE_ACTION_ADDED:
			batch = append(batch, NotifyEvent{
				Type:  Filesystem,
				Flags: NotifyCreated,
				Path:  path,
			})
			if w.opts.Subtree && w.opts.FollowSymlinks && isSymlinkToDir(path) {
				w.children = append(w.children,
					newWorker(false, path, w.opts, w.buffer, w.logger))
			}

		case windows.FILE_ACTION_REMOVED:
			batch = append(batch, NotifyEvent{
				Type:  Filesystem,
				Flags: NotifyDeleted,
				Path:  path,
			})
			if w.opts.Subtree {
				w.dropChild(path)
			}

		case windows.FILE_ACTION_MODIFIED:
			// Directory-metadata notifications are suppressed.
			if info.FileAttributes&windows.FILE_ATTRIBUTE_DIRECTORY == 0 {
				batch = append(batch, NotifyEvent{
					Type:  Filesystem,
					Flags: NotifyModified,
					Path:  path,
				})
			}

		case windows.FILE_ACTION_RENAMED_OLD_NAME:
			// Placeholder; the immediately following NEW_NAME record
			// completes it.
			batch = append(batch, NotifyEvent{
				Type:     Filesystem,
				Flags:    NotifyRenamed,
				LastPath: path,
			})

		case windows.FILE_ACTION_RENAMED_NEW_NAME:
			if i := len(batch) - 1; i >= 0 && batch[i].Flags == NotifyRenamed && batch[i].Path == "" {
				batch[i].Path = path
				if w.opts.Subtree {
					w.dropChild(batch[i].LastPath)
					if w.opts.FollowSymlinks && isSymlinkToDir(path) {
						w.children = append(w.children,
							newWorker(false, path, w.opts, w.buffer, w.logger))
					}
				}
			}
		}

		if info.NextEntryOffset == 0 {
			break
		}
		offset += int(info.NextEntryOffset)
	}

	return batch
}

// dropChild stops and removes every child worker whose base path matches
// path, pruning children whose loops already exited along the way. Called
// only from the worker goroutine that owns the children.
func (w *worker) dropChild(path string) {
	kept := w.children[:0]
	for _, child := range w.children {
		if !child.isRunning() || child.basePath == path {
			child.stop()
			continue
		}
		kept = append(kept, child)
	}
	w.children = kept
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

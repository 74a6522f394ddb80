// Package watch implements a cross-platform recursive directory watcher.
//
// A [DirectoryWatcher] owns a set of root workers, one per Watch call. Each
// worker runs a dedicated goroutine parked in the kernel (poll(2) over an
// inotify descriptor on Linux, WaitForMultipleObjects over an overlapped
// directory read on Windows), normalises the platform's raw records into
// [NotifyEvent] values, and publishes them batch-atomically into a shared
// FIFO buffer. The consumer drains the buffer on its own cadence with
// [DirectoryWatcher.ProcessEvents], which invokes the supplied
// [EventHandler] once per event in insertion order.
//
// Root workers frame their event stream: exactly one Start marker precedes
// all filesystem events, and a terminal Stop marker follows them once the
// worker unwinds, whether through StopWatching, deletion of the watched
// root, or a kernel-level failure.
package watch

import (
	"fmt"
	"strings"
)

// EventType classifies a NotifyEvent.
type EventType int

const (
	// Filesystem is a change notification; Flags carries the change kind.
	Filesystem EventType = iota
	// Start marks a root worker entering its event loop.
	Start
	// Stop marks a root worker leaving its event loop.
	Stop
)

// String returns the event type name for logging.
func (t EventType) String() string {
	switch t {
	case Filesystem:
		return "filesystem"
	case Start:
		return "start"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("eventtype(%d)", int(t))
	}
}

// NotifyFlags is a bitfield describing the kind of a filesystem change.
// Exactly one bit is set on every published Filesystem event.
type NotifyFlags uint32

const (
	// NotifyCreated reports a new entry in the watched tree.
	NotifyCreated NotifyFlags = 1 << iota
	// NotifyDeleted reports a removed entry.
	NotifyDeleted
	// NotifyModified reports written file content.
	NotifyModified
	// NotifyRenamed reports an entry renamed within the watched tree.
	NotifyRenamed
)

const (
	// NotifyNone selects no events; a watcher configured with it delivers
	// only Start and Stop markers.
	NotifyNone NotifyFlags = 0
	// NotifyAll selects every event kind.
	NotifyAll = NotifyCreated | NotifyDeleted | NotifyModified | NotifyRenamed
)

// flagNames is ordered by bit position.
var flagNames = []struct {
	flag NotifyFlags
	name string
}{
	{NotifyCreated, "created"},
	{NotifyDeleted, "deleted"},
	{NotifyModified, "modified"},
	{NotifyRenamed, "renamed"},
}

// String returns a "|"-joined list of the set flag names.
func (f NotifyFlags) String() string {
	if f == NotifyNone {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseNotifyFlags converts a list of flag names ("created", "deleted",
// "modified", "renamed", or "all") into a NotifyFlags bitmask. An empty
// list yields NotifyAll.
func ParseNotifyFlags(names []string) (NotifyFlags, error) {
	if len(names) == 0 {
		return NotifyAll, nil
	}
	var flags NotifyFlags
	for _, name := range names {
		switch strings.ToLower(name) {
		case "created":
			flags |= NotifyCreated
		case "deleted":
			flags |= NotifyDeleted
		case "modified":
			flags |= NotifyModified
		case "renamed":
			flags |= NotifyRenamed
		case "all":
			flags |= NotifyAll
		default:
			return 0, fmt.Errorf("watch: unknown notify flag %q", name)
		}
	}
	return flags, nil
}

// NotifyEvent is one entry in the event buffer.
type NotifyEvent struct {
	// Type distinguishes filesystem notifications from Start/Stop framing.
	Type EventType

	// Flags is the change kind; meaningful only when Type is Filesystem.
	Flags NotifyFlags

	// Path is the absolute path of the affected entry. For Renamed events
	// it is the post-rename path; for Start/Stop it is the worker's root.
	Path string

	// LastPath is the previous absolute path; non-empty iff Flags is
	// NotifyRenamed.
	LastPath string

	// cookie pairs IN_MOVED_FROM/IN_MOVED_TO records inside one kernel
	// drain on Linux. It is zeroed on any event that escapes coalescing
	// into the buffer.
	cookie uint32
}

// DefaultBufferSize is the size in bytes of the kernel-readback buffer a
// worker allocates when WatchOptions.BufferSize is unset. It holds several
// native event records on either platform.
const DefaultBufferSize = 8192

// WatchOptions configures a single Watch call. The options are immutable
// for the lifetime of the worker they create.
type WatchOptions struct {
	// Subtree includes all nested directories recursively.
	Subtree bool

	// FollowSymlinks, when Subtree is set, also watches the targets of
	// directory symbolic links, even targets outside the watched root.
	FollowSymlinks bool

	// NotifyFilter selects which change kinds reach the event buffer.
	// NotifyNone delivers nothing but Start/Stop framing.
	NotifyFilter NotifyFlags

	// BufferSize is the kernel-readback buffer size in bytes. Zero or
	// negative values use DefaultBufferSize.
	BufferSize int
}

// normalized returns a copy of o with defaults applied.
func (o WatchOptions) normalized() WatchOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	return o
}

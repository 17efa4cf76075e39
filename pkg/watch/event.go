// Package watch adapts the OS notification facility (inotify on Linux) into
// the uniform Event stream consumed by the coalescer, grounded on the
// teacher's pkg/filesystem/watching subsystem and its vendored
// rjeczalik/notify inotify event parsing
// (pkg/filesystem/watching/internal/third_party/notify/event_inotify.go).
package watch

import "time"

// Kind identifies the type of filesystem change an Event represents.
type Kind uint8

const (
	// CreateFile indicates that a new regular file appeared.
	CreateFile Kind = iota
	// CreateDir indicates that a new directory appeared.
	CreateDir
	// CloseWrite indicates that a file opened for writing was closed.
	CloseWrite
	// Modify indicates that a file's content changed. Emitted in place of
	// CloseWrite on platforms lacking a close-on-write notification.
	Modify
	// Attrib indicates that a path's metadata (permissions, ownership,
	// timestamps) changed without its content changing.
	Attrib
	// DeleteFile indicates that a regular file was removed.
	DeleteFile
	// DeleteDir indicates that a directory was removed.
	DeleteDir
	// Move indicates that a path was renamed or relocated. SrcPath holds the
	// origin and Path holds the destination.
	Move
)

// String returns a human-readable name for the event kind.
func (k Kind) String() string {
	switch k {
	case CreateFile:
		return "CreateFile"
	case CreateDir:
		return "CreateDir"
	case CloseWrite:
		return "CloseWrite"
	case Modify:
		return "Modify"
	case Attrib:
		return "Attrib"
	case DeleteFile:
		return "DeleteFile"
	case DeleteDir:
		return "DeleteDir"
	case Move:
		return "Move"
	default:
		return "Unknown"
	}
}

// priority returns the merge priority of the event kind, per spec.md §4.3:
// Delete(File|Dir) > Move > CloseWrite ≡ Modify > Create(File|Dir) > Attrib.
// Higher values win ties are broken by arrival order (stable merge).
func (k Kind) priority() int {
	switch k {
	case DeleteFile, DeleteDir:
		return 6
	case Move:
		return 5
	case CloseWrite, Modify:
		return 4
	case CreateFile, CreateDir:
		return 3
	case Attrib:
		return 2
	default:
		return 0
	}
}

// Priority exposes the merge priority used by the coalescer so that callers
// outside this package (tests, the queue package) can reason about ordering
// without duplicating the table.
func Priority(k Kind) int { return k.priority() }

// Source identifies which side of a bidirectional pairing produced an
// event.
type Source uint8

const (
	// SourceLocal indicates the event originated from the local watcher.
	SourceLocal Source = iota
	// SourceRemote indicates the event was delivered by the peer over the
	// (externally defined) remote event ingress channel.
	SourceRemote
)

// Event is the uniform representation of a single filesystem change,
// regardless of which kernel facility produced it.
type Event struct {
	// Kind is the type of change.
	Kind Kind
	// Path is the absolute path under the watched root affected by the
	// change. For Move events, this is the destination path.
	Path string
	// SrcPath is populated only for Move events and holds the origin path.
	SrcPath string
	// Timestamp records when the event was observed.
	Timestamp time.Time
	// Source distinguishes local watcher events from remote-peer events in
	// bidirectional mode.
	Source Source
}

// Merged is a coalesced representation of one or more Events for the same
// path observed within a single window.
type Merged struct {
	Event
	// MergedCount is the number of raw events folded into this one.
	MergedCount int
}

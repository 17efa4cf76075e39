//go:build linux

package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sys/unix"

	"github.com/sersync-go/sersync/pkg/logging"
)

// ErrWatchTerminated is wrapped by the error Watcher.Wait returns when the
// watcher stops because of a fatal runtime error rather than an explicit
// Stop call.
var ErrWatchTerminated = errors.New("watch terminated")

// ErrTooManyWatches names the condition of a watched tree wider than
// defaultMaxWatches directories. New does not return it: past that limit
// the least recently registered directories are evicted from the watch set
// instead (see defaultMaxWatches).
var ErrTooManyWatches = errors.New("too many directories to watch")

// DefaultMoveCorrelationWindow is the default duration the watcher holds an
// unpaired MovedFrom/MovedTo notification before emitting it as a plain
// Delete or Create. It matches the coalescer's default window (spec.md
// §4.3) since move correlation only matters within a single coalescing
// cycle.
const DefaultMoveCorrelationWindow = 5 * time.Second

// defaultMaxWatches bounds the number of concurrently held inotify watch
// descriptors, evicted on an LRU basis exactly as the teacher's
// pkg/filesystem/watching.nonRecursiveWatcher bounds its own watch table.
// Directories evicted from the watch set are simply not reported on until
// re-referenced (e.g. via a parent re-create); this trades watch coverage
// for a bounded inotify resource footprint under pathologically wide trees.
const defaultMaxWatches = 8192

// inotifyEventMask is the set of inotify bits the watcher subscribes to on
// every directory. It does not gate delivery to the callback; that's done
// by the Mask configured on the Watcher (see EventMask).
const inotifyEventMask = unix.IN_CREATE | unix.IN_DELETE |
	unix.IN_DELETE_SELF | unix.IN_MOVE_SELF |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
	unix.IN_MODIFY | unix.IN_ATTRIB | unix.IN_CLOSE_WRITE |
	unix.IN_ONLYDIR

// EventMask gates which event kinds are delivered to the callback. Bits not
// set are dropped after being observed (they still drive internal state,
// e.g. recursive watch registration, but never reach the caller).
type EventMask uint16

const (
	MaskCreate EventMask = 1 << iota
	MaskCloseWrite
	MaskModify
	MaskAttrib
	MaskDelete
	MaskMove
)

// MaskAll enables every event kind.
const MaskAll = MaskCreate | MaskCloseWrite | MaskModify | MaskAttrib | MaskDelete | MaskMove

// MaskFromDisabled builds an EventMask starting from MaskAll and clearing
// the bit for each named kind in disabled (spec.md §4.2/§6's event-mask
// configuration: "create", "closewrite", "modify", "attrib", "delete",
// "move", matched case-insensitively). Unrecognized names are ignored.
func MaskFromDisabled(disabled []string) EventMask {
	mask := MaskAll
	for _, name := range disabled {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "create":
			mask &^= MaskCreate
		case "closewrite", "close_write":
			mask &^= MaskCloseWrite
		case "modify":
			mask &^= MaskModify
		case "attrib":
			mask &^= MaskAttrib
		case "delete":
			mask &^= MaskDelete
		case "move":
			mask &^= MaskMove
		}
	}
	return mask
}

// allows reports whether the mask permits delivery of the given kind.
func (m EventMask) allows(k Kind) bool {
	switch k {
	case CreateFile, CreateDir:
		return m&MaskCreate != 0
	case CloseWrite:
		return m&MaskCloseWrite != 0
	case Modify:
		return m&MaskModify != 0
	case Attrib:
		return m&MaskAttrib != 0
	case DeleteFile, DeleteDir:
		return m&MaskDelete != 0
	case Move:
		return m&MaskMove != 0
	default:
		return true
	}
}

// Callback is invoked for every event the watcher's mask allows. It is
// invoked synchronously from the watcher's run loop, except for a MovedFrom
// or MovedTo that finds no counterpart, which is delivered from its
// correlation timer's goroutine; implementations must
// not block, per the callback-to-loop handoff design note in spec.md §9 —
// the expectation is that it enqueues onto the coalescer and returns.
type Callback func(Event)

// Watcher recursively watches a directory tree using inotify, automatically
// registering newly created subdirectories, and pairs MovedFrom/MovedTo
// notifications that share an inotify rename cookie into single Move
// events.
type Watcher struct {
	root   string
	mask   EventMask
	logger *logging.Logger
	onEvent Callback

	moveWindow time.Duration

	fd int

	mu        sync.Mutex
	wdToPath  map[int32]string
	pathToWd  map[string]int32
	evictor   *lru.Cache

	pendingMovesMu sync.Mutex
	pendingFrom    map[uint32]*pendingMove
	pendingTo      map[uint32]*pendingMove

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	runErr   error
}

// pendingMove tracks one half of a rename pair awaiting its counterpart.
type pendingMove struct {
	path  string
	timer *time.Timer
}

// New creates a Watcher rooted at root, performs the initial recursive
// registration of every subdirectory, and starts its run loop. Initial
// registration failures (permission errors, descriptor exhaustion) are
// fatal and returned directly, per spec.md §4.2's failure model; once
// running, per-event errors are logged rather than propagated.
func New(root string, mask EventMask, moveWindow time.Duration, logger *logging.Logger, onEvent Callback) (*Watcher, error) {
	if moveWindow <= 0 {
		moveWindow = DefaultMoveCorrelationWindow
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve watch root: %w", err)
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize inotify: %w", err)
	}

	w := &Watcher{
		root:        absRoot,
		mask:        mask,
		logger:      logger,
		onEvent:     onEvent,
		moveWindow:  moveWindow,
		fd:          fd,
		wdToPath:    make(map[int32]string),
		pathToWd:    make(map[string]int32),
		pendingFrom: make(map[uint32]*pendingMove),
		pendingTo:   make(map[uint32]*pendingMove),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	w.evictor = lru.New(defaultMaxWatches)
	w.evictor.OnEvicted = func(key lru.Key, _ interface{}) {
		if path, ok := key.(string); ok {
			w.removeWatch(path)
		}
	}

	if err := w.registerTree(absRoot); err != nil {
		unix.Close(fd)
		return nil, err
	}

	go w.run()

	return w, nil
}

// registerTree walks path recursively, adding an inotify watch to every
// directory found, including path itself.
func (w *Watcher) registerTree(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			// A vanished entry during the walk is not fatal; just skip it.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.addWatch(p); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("unable to watch %q: %w", p, err)
		}
		return nil
	})
}

// addWatch registers (or refreshes) an inotify watch on a single directory.
func (w *Watcher) addWatch(path string) error {
	wd, err := unix.InotifyAddWatch(w.fd, path, inotifyEventMask)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.wdToPath[int32(wd)] = path
	w.pathToWd[path] = int32(wd)
	w.mu.Unlock()

	w.evictor.Add(path, nil)

	return nil
}

// removeWatch drops the inotify watch for path, if any.
func (w *Watcher) removeWatch(path string) {
	w.mu.Lock()
	wd, ok := w.pathToWd[path]
	if ok {
		delete(w.pathToWd, path)
		delete(w.wdToPath, wd)
	}
	w.mu.Unlock()

	if ok {
		if _, err := unix.InotifyRmWatch(w.fd, uint32(wd)); err != nil && w.logger != nil {
			w.logger.Debugf("unwatch error for %q: %v", path, err)
		}
	}
}

// Stop terminates the watcher's run loop and releases its inotify
// descriptor.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		unix.Close(w.fd)
	})
	<-w.doneCh
}

// Wait blocks until the run loop exits and returns the reason: nil if the
// loop ended because Stop was called, or an error wrapping
// ErrWatchTerminated if reading the inotify descriptor failed otherwise.
func (w *Watcher) Wait() error {
	<-w.doneCh
	return w.runErr
}

// run is the watcher's main loop: it reads raw inotify events from the
// kernel and translates them into the uniform Event shape. Runtime errors
// are logged and do not terminate the loop; only a read error on the
// inotify descriptor itself (e.g. because Stop closed it) ends the loop.
func (w *Watcher) run() {
	defer close(w.doneCh)

	buffer := make([]byte, 64*1024)
	for {
		n, err := unix.Read(w.fd, buffer)
		if err != nil {
			select {
			case <-w.stopCh:
				w.runErr = nil
			default:
				w.runErr = fmt.Errorf("%w: inotify read error: %v", ErrWatchTerminated, err)
				if w.logger != nil {
					w.logger.Error(w.runErr)
				}
			}
			return
		}
		if n <= 0 {
			continue
		}
		w.handleBuffer(buffer[:n])
	}
}

// handleBuffer parses one or more raw inotify_event structures out of
// buffer and dispatches each to handleRaw. Parsing follows the layout used
// by the teacher's vendored rjeczalik/notify inotify reader
// (pkg/filesystem/watching/internal/third_party/notify/event_inotify.go):
// a fixed-size header followed by a NUL-padded name of header.Len bytes.
func (w *Watcher) handleBuffer(buffer []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buffer[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(raw.Len)
		if nameEnd > len(buffer) {
			break
		}
		var name string
		if raw.Len > 0 {
			nameBytes := buffer[nameStart:nameEnd]
			if idx := indexByte(nameBytes, 0); idx >= 0 {
				nameBytes = nameBytes[:idx]
			}
			name = string(nameBytes)
		}
		w.handleRaw(raw.Wd, raw.Mask, raw.Cookie, name)
		offset = nameEnd
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// handleRaw interprets a single parsed inotify event.
func (w *Watcher) handleRaw(wd int32, mask uint32, cookie uint32, name string) {
	w.mu.Lock()
	dir, known := w.wdToPath[wd]
	w.mu.Unlock()
	if !known {
		return
	}

	var path string
	if name != "" {
		path = filepath.Join(dir, name)
	} else {
		path = dir
	}
	isDir := mask&unix.IN_ISDIR != 0
	now := time.Now()

	switch {
	case mask&unix.IN_CREATE != 0:
		if isDir {
			if err := w.addWatch(path); err != nil && !os.IsNotExist(err) && w.logger != nil {
				w.logger.Debugf("unable to watch new directory %q: %v", path, err)
			}
			// Watch any subdirectories created between the directory
			// appearing and the watch being established; files created in
			// that gap produce no event.
			if err := w.registerTree(path); err != nil && w.logger != nil {
				w.logger.Debugf("unable to register new subtree %q: %v", path, err)
			}
			w.emit(CreateDir, path, "", now)
		} else {
			w.emit(CreateFile, path, "", now)
		}
	case mask&unix.IN_DELETE != 0:
		if isDir {
			w.emit(DeleteDir, path, "", now)
		} else {
			w.emit(DeleteFile, path, "", now)
		}
	case mask&unix.IN_DELETE_SELF != 0:
		w.removeWatch(dir)
	case mask&unix.IN_MOVE_SELF != 0:
		w.removeWatch(dir)
	case mask&unix.IN_MOVED_FROM != 0:
		w.handleMovedFrom(path, cookie, isDir, now)
	case mask&unix.IN_MOVED_TO != 0:
		if isDir {
			if err := w.addWatch(path); err != nil && !os.IsNotExist(err) && w.logger != nil {
				w.logger.Debugf("unable to watch moved-in directory %q: %v", path, err)
			}
			if err := w.registerTree(path); err != nil && w.logger != nil {
				w.logger.Debugf("unable to register moved-in subtree %q: %v", path, err)
			}
		}
		w.handleMovedTo(path, cookie, isDir, now)
	case mask&unix.IN_MODIFY != 0:
		w.emit(Modify, path, "", now)
	case mask&unix.IN_CLOSE_WRITE != 0:
		w.emit(CloseWrite, path, "", now)
	case mask&unix.IN_ATTRIB != 0:
		w.emit(Attrib, path, "", now)
	}
}

// handleMovedFrom records the source half of a potential rename pair. If no
// matching MovedTo arrives within the move correlation window, it is
// emitted as an ordinary Delete (spec.md §4.2: "an unpaired MovedFrom
// becomes Delete").
func (w *Watcher) handleMovedFrom(path string, cookie uint32, isDir bool, now time.Time) {
	w.pendingMovesMu.Lock()
	if waiting, ok := w.pendingTo[cookie]; ok {
		delete(w.pendingTo, cookie)
		waiting.timer.Stop()
		w.pendingMovesMu.Unlock()
		w.emitMove(path, waiting.path, now)
		return
	}
	pm := &pendingMove{path: path}
	pm.timer = time.AfterFunc(w.moveWindow, func() {
		w.pendingMovesMu.Lock()
		delete(w.pendingFrom, cookie)
		w.pendingMovesMu.Unlock()
		if isDir {
			w.emit(DeleteDir, path, "", time.Now())
		} else {
			w.emit(DeleteFile, path, "", time.Now())
		}
	})
	w.pendingFrom[cookie] = pm
	w.pendingMovesMu.Unlock()
}

// handleMovedTo records the destination half of a potential rename pair. If
// no matching MovedFrom is pending, it is emitted as an ordinary Create
// once the correlation window elapses (spec.md §4.2: "an unpaired MovedTo
// becomes Create").
func (w *Watcher) handleMovedTo(path string, cookie uint32, isDir bool, now time.Time) {
	w.pendingMovesMu.Lock()
	if waiting, ok := w.pendingFrom[cookie]; ok {
		delete(w.pendingFrom, cookie)
		waiting.timer.Stop()
		w.pendingMovesMu.Unlock()
		w.emitMove(waiting.path, path, now)
		return
	}
	pm := &pendingMove{path: path}
	pm.timer = time.AfterFunc(w.moveWindow, func() {
		w.pendingMovesMu.Lock()
		delete(w.pendingTo, cookie)
		w.pendingMovesMu.Unlock()
		if isDir {
			w.emit(CreateDir, path, "", time.Now())
		} else {
			w.emit(CreateFile, path, "", time.Now())
		}
	})
	w.pendingTo[cookie] = pm
	w.pendingMovesMu.Unlock()
}

func (w *Watcher) emitMove(src, dst string, now time.Time) {
	if !w.mask.allows(Move) {
		return
	}
	w.onEvent(Event{Kind: Move, Path: dst, SrcPath: src, Timestamp: now, Source: SourceLocal})
}

func (w *Watcher) emit(kind Kind, path, srcPath string, now time.Time) {
	if !w.mask.allows(kind) {
		return
	}
	w.onEvent(Event{Kind: kind, Path: path, SrcPath: srcPath, Timestamp: now, Source: SourceLocal})
}

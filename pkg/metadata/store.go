// Package metadata implements the per-path sync-state store described in
// spec.md §4.7: a deterministic slug namespacing state/conflicts/lock
// files outside the watched tree, atomic state persistence, and rotated
// conflict backups. Grounded on the teacher's pkg/filesystem atomic-write
// convention (adapted into pkg/filesystem.WriteFileAtomic in this module)
// and on the Python original's MetadataManager
// (bidirectional/metadata_manager.py within the retrieval cap).
package metadata

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sersync-go/sersync/pkg/filesystem"
	"github.com/sersync-go/sersync/pkg/logging"
	"github.com/sersync-go/sersync/pkg/random"
)

// FileMetadata is the persisted state for one relative path.
type FileMetadata struct {
	Mtime          float64 `json:"mtime"`
	Size           int64   `json:"size"`
	Checksum       string  `json:"checksum,omitempty"`
	LastModifiedBy string  `json:"last_modified_by"`
	UpdatedAt      string  `json:"updated_at"`
}

// State is the full persisted sync-state record for one (watched path,
// remote) pair, matching the JSON shape in spec.md §6.
type State struct {
	NodeID      string                  `json:"node_id"`
	Version     uint64                  `json:"version"`
	Created     string                  `json:"created"`
	LastUpdated string                  `json:"last_updated"`
	Files       map[string]FileMetadata `json:"files"`
	LastSync    string                  `json:"last_sync,omitempty"`
}

// Store owns the on-disk state, node identifier, and conflict backups for
// one (watchedRoot, remoteName) pair.
type Store struct {
	watchedRoot string
	remoteName  string
	baseDir     string
	slug        string
	logger      *logging.Logger

	stateDir     string
	conflictsDir string
	lockPath     string
	nodeIDPath   string
	statePath    string

	nodeID string
}

// Open constructs a Store. baseDir is the metadata base directory (an
// override, if the caller has one); it must resolve outside watchedRoot,
// per invariant I1 — construction fails otherwise (property P4). The slug
// and per-slug directories are created if absent.
func Open(watchedRoot, remoteName, baseDir string, logger *logging.Logger) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("metadata base directory must be specified")
	}

	inside, err := filesystem.IsOrContains(watchedRoot, baseDir)
	if err != nil {
		return nil, fmt.Errorf("unable to validate metadata base directory: %w", err)
	}
	if inside {
		return nil, fmt.Errorf("metadata base directory %q resolves inside watched root %q", baseDir, watchedRoot)
	}

	slug := Slug(watchedRoot, remoteName)
	root := filepath.Join(baseDir, slug)
	stateDir := filepath.Join(root, "state")
	conflictsDir := filepath.Join(root, "conflicts")

	for _, dir := range []string{stateDir, conflictsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("unable to create metadata directory %q: %w", dir, err)
		}
	}

	s := &Store{
		watchedRoot:  watchedRoot,
		remoteName:   remoteName,
		baseDir:      baseDir,
		slug:         slug,
		logger:       logger,
		stateDir:     stateDir,
		conflictsDir: conflictsDir,
		lockPath:     filepath.Join(root, "sync.lock"),
		nodeIDPath:   filepath.Join(stateDir, "node_id"),
		statePath:    filepath.Join(stateDir, "sync_state.json"),
	}

	if err := s.ensureNodeID(); err != nil {
		return nil, err
	}

	return s, nil
}

// Slug derives the deterministic 8-hex-digit identifier namespacing a
// (watchedRoot, remoteName) pair's metadata directory.
func Slug(watchedRoot, remoteName string) string {
	sum := crc32.ChecksumIEEE([]byte(watchedRoot + ":" + remoteName))
	return fmt.Sprintf("%08x", sum)
}

// NodeID returns this store's stable node identifier.
func (s *Store) NodeID() string { return s.nodeID }

// ConflictsDir returns the directory backups are written to.
func (s *Store) ConflictsDir() string { return s.conflictsDir }

// ensureNodeID loads the persisted node_id file, or creates one on first
// use as "node-<8hex>" (spec.md §4.7).
func (s *Store) ensureNodeID() error {
	data, err := os.ReadFile(s.nodeIDPath)
	if err == nil {
		s.nodeID = string(data)
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("unable to read node id: %w", err)
	}

	token, err := random.HexToken(4)
	if err != nil {
		return fmt.Errorf("unable to generate node id: %w", err)
	}
	s.nodeID = "node-" + token

	if err := filesystem.WriteFileAtomic(s.nodeIDPath, []byte(s.nodeID), 0644, s.logger); err != nil {
		return fmt.Errorf("unable to persist node id: %w", err)
	}
	return nil
}

// Load reads the persisted state. If the file is absent or malformed, an
// empty state is returned (logging at warn level for malformed content),
// with version restarting at 1, per spec.md §7's parse/state-file error
// taxonomy.
func (s *Store) Load() State {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if !os.IsNotExist(err) && s.logger != nil {
			s.logger.Warnf("unable to read sync state %q: %v", s.statePath, err)
		}
		return s.emptyState()
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		if s.logger != nil {
			s.logger.Warnf("sync state %q is malformed, rebuilding empty: %v", s.statePath, err)
		}
		return s.emptyState()
	}
	if st.Files == nil {
		st.Files = make(map[string]FileMetadata)
	}
	return st
}

func (s *Store) emptyState() State {
	now := time.Now().UTC().Format(time.RFC3339)
	return State{
		NodeID:      s.nodeID,
		Version:     1,
		Created:     now,
		LastUpdated: now,
		Files:       make(map[string]FileMetadata),
	}
}

// Save persists st atomically (write-to-temp then rename, invariant I4),
// stamping LastUpdated and bumping Version.
func (s *Store) Save(st State) error {
	st.NodeID = s.nodeID
	st.Version++
	st.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to marshal sync state: %w", err)
	}

	return filesystem.WriteFileAtomic(s.statePath, data, 0644, s.logger)
}

// Update sets or replaces the metadata for relpath and persists the
// result.
func (s *Store) Update(relpath string, mtime float64, size int64, checksum string) error {
	st := s.Load()
	st.Files[relpath] = FileMetadata{
		Mtime:          mtime,
		Size:           size,
		Checksum:       checksum,
		LastModifiedBy: s.nodeID,
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	return s.Save(st)
}

// Remove deletes relpath's metadata and persists the result.
func (s *Store) Remove(relpath string) error {
	st := s.Load()
	delete(st.Files, relpath)
	return s.Save(st)
}

// Get returns the metadata for relpath, if any.
func (s *Store) Get(relpath string) (FileMetadata, bool) {
	st := s.Load()
	fm, ok := st.Files[relpath]
	return fm, ok
}

// Backup writes bytes as a conflict backup for relpath and returns the
// backup's path, formatted per spec.md §6:
// <slug>/conflicts/<stem>.conflict.<yyyymmdd_HHMMSS>.<nodeId>.
func (s *Store) Backup(relpath string, data []byte) (string, error) {
	stem := filepath.Base(relpath)
	name := fmt.Sprintf("%s.conflict.%s.%s", stem, time.Now().UTC().Format("20060102_150405"), s.nodeID)
	path := filepath.Join(s.conflictsDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("unable to write conflict backup: %w", err)
	}
	return path, nil
}

// RotateBackups keeps the maxN newest backups (by modification time) in the
// conflicts directory and deletes the rest.
func (s *Store) RotateBackups(maxN int) error {
	entries, err := os.ReadDir(s.conflictsDir)
	if err != nil {
		return fmt.Errorf("unable to list conflict backups: %w", err)
	}
	if len(entries) <= maxN {
		return nil
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	backups := make([]backup, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(s.conflictsDir, e.Name()), modTime: info.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.After(backups[j].modTime) })

	for _, b := range backups[minInt(maxN, len(backups)):] {
		if err := os.Remove(b.path); err != nil && s.logger != nil {
			s.logger.Warnf("unable to remove rotated backup %q: %v", b.path, err)
		}
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// AcquireLock writes a unique lock token into sync.lock, signaling that a
// reconcile is active (spec.md §6). The token (a UUID) has no semantic
// meaning beyond uniqueness; it exists so a stale lock can be distinguished
// from a fresh one in diagnostic logging.
func (s *Store) AcquireLock() (string, error) {
	token := uuid.New().String()
	if err := os.WriteFile(s.lockPath, []byte(token), 0644); err != nil {
		return "", fmt.Errorf("unable to acquire sync lock: %w", err)
	}
	return token, nil
}

// ReleaseLock removes sync.lock.
func (s *Store) ReleaseLock() error {
	if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unable to release sync lock: %w", err)
	}
	return nil
}

// Locked reports whether sync.lock is currently present.
func (s *Store) Locked() bool {
	_, err := os.Stat(s.lockPath)
	return err == nil
}

package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/logging"
)

// Chosen names which side (or neither) a resolution settled on.
type Chosen string

const (
	ChosenLocal  Chosen = "local"
	ChosenRemote Chosen = "remote"
	ChosenBoth   Chosen = "both"
	ChosenSkip   Chosen = "skip"
)

// Resolution is the outcome of applying a strategy to one Conflict, per
// spec.md §4.9: "every resolution records which side was chosen, and
// backup paths if any."
type Resolution struct {
	Chosen      Chosen
	StrategyUsed config.ConflictPolicy
	BackupPaths []string
}

// ByteSource fetches the raw bytes for one side of a conflicting path, so
// the resolver can write conflict backups without owning filesystem access
// itself.
type ByteSource func() ([]byte, error)

// ManualCallback is invoked for the Manual strategy; it must return a
// concrete, non-Manual strategy to apply instead. Returning ok=false (or a
// policy of PolicyManual) falls back to BackupBoth.
type ManualCallback func(c Conflict) (policy config.ConflictPolicy, ok bool)

// Resolver applies conflict-resolution strategies, writing backups under
// conflictsDir.
type Resolver struct {
	ConflictsDir   string
	Logger         *logging.Logger
	ManualCallback ManualCallback
}

// NewResolver constructs a Resolver backing its backups in conflictsDir
// (typically a metadata.Store's ConflictsDir()).
func NewResolver(conflictsDir string, manual ManualCallback, logger *logging.Logger) *Resolver {
	return &Resolver{ConflictsDir: conflictsDir, ManualCallback: manual, Logger: logger}
}

// Resolve applies policy to c. localData/remoteData are only invoked when
// the chosen strategy needs to write a backup.
func (r *Resolver) Resolve(c Conflict, policy config.ConflictPolicy, localData, remoteData ByteSource) (Resolution, error) {
	switch policy {
	case config.PolicyKeepNewer:
		return r.keepByCompare(c, policy, c.Local.Mtime, c.Remote.Mtime, localData, remoteData)

	case config.PolicyKeepOlder:
		// KeepOlder mirrors KeepNewer with the comparison reversed; spec.md
		// §4.9 only names KeepNewer/KeepLarger explicitly but documents the
		// same mtime-unknown fallback for the full strategy set.
		if c.Local.Mtime == 0 && c.Remote.Mtime == 0 {
			return r.chooseLocal(policy), nil
		}
		if c.Local.Mtime <= c.Remote.Mtime {
			return r.chooseLocal(policy), nil
		}
		return r.chooseRemote(policy), nil

	case config.PolicyKeepLarger:
		return r.keepByCompare(c, policy, float64(c.Local.Size), float64(c.Remote.Size), localData, remoteData)

	case config.PolicyKeepLocal:
		return r.chooseLocal(policy), nil

	case config.PolicyKeepRemote:
		return r.chooseRemote(policy), nil

	case config.PolicyBackupBoth:
		return r.backupBoth(c, policy, localData, remoteData)

	case config.PolicyManual:
		return r.resolveManual(c, localData, remoteData)

	case config.PolicySkip:
		return Resolution{Chosen: ChosenSkip, StrategyUsed: policy}, nil

	default:
		return Resolution{}, fmt.Errorf("unknown conflict policy %q", policy)
	}
}

// keepByCompare implements the shared KeepNewer/KeepLarger shape: pick the
// side with the larger comparable value, falling back to KeepLocal when
// both values are unknown (zero), per spec.md §4.9.
func (r *Resolver) keepByCompare(c Conflict, policy config.ConflictPolicy, localVal, remoteVal float64, localData, remoteData ByteSource) (Resolution, error) {
	if localVal == 0 && remoteVal == 0 {
		return r.chooseLocal(policy), nil
	}
	if remoteVal > localVal {
		return r.chooseRemote(policy), nil
	}
	return r.chooseLocal(policy), nil
}

func (r *Resolver) chooseLocal(policy config.ConflictPolicy) Resolution {
	return Resolution{Chosen: ChosenLocal, StrategyUsed: policy}
}

func (r *Resolver) chooseRemote(policy config.ConflictPolicy) Resolution {
	return Resolution{Chosen: ChosenRemote, StrategyUsed: policy}
}

func (r *Resolver) resolveManual(c Conflict, localData, remoteData ByteSource) (Resolution, error) {
	if r.ManualCallback != nil {
		if policy, ok := r.ManualCallback(c); ok && policy != config.PolicyManual {
			return r.Resolve(c, policy, localData, remoteData)
		}
	}
	if r.Logger != nil {
		r.Logger.Warnf("manual conflict resolution unavailable for %s, falling back to backup-both", c.Path)
	}
	return r.backupBoth(c, config.PolicyBackupBoth, localData, remoteData)
}

// backupBoth copies both sides into ConflictsDir with
// "<stem>_<side>_<ts><ext>" names (spec.md §4.9), leaving the original
// paths untouched.
func (r *Resolver) backupBoth(c Conflict, policy config.ConflictPolicy, localData, remoteData ByteSource) (Resolution, error) {
	if r.ConflictsDir == "" {
		return Resolution{}, errors.New("resolver has no conflicts directory configured")
	}
	if err := os.MkdirAll(r.ConflictsDir, 0755); err != nil {
		return Resolution{}, errors.Wrap(err, "creating conflicts directory")
	}

	ts := time.Now().UTC().Format("20060102_150405")
	var paths []string

	if c.Local.Exists && localData != nil {
		data, err := localData()
		if err != nil {
			return Resolution{}, errors.Wrap(err, "reading local side for backup")
		}
		p, err := r.writeBackup(c.Path, "local", ts, data)
		if err != nil {
			return Resolution{}, err
		}
		paths = append(paths, p)
	}
	if c.Remote.Exists && remoteData != nil {
		data, err := remoteData()
		if err != nil {
			return Resolution{}, errors.Wrap(err, "reading remote side for backup")
		}
		p, err := r.writeBackup(c.Path, "remote", ts, data)
		if err != nil {
			return Resolution{}, err
		}
		paths = append(paths, p)
	}

	return Resolution{Chosen: ChosenBoth, StrategyUsed: policy, BackupPaths: paths}, nil
}

func (r *Resolver) writeBackup(relpath, side, ts string, data []byte) (string, error) {
	stem, ext := splitStemExt(filepath.Base(relpath))
	name := fmt.Sprintf("%s_%s_%s%s", stem, side, ts, ext)
	path := filepath.Join(r.ConflictsDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrapf(err, "writing %s backup for %q", side, relpath)
	}
	return path, nil
}

func splitStemExt(name string) (stem, ext string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i:]
	}
	return name, ""
}

// Package dispatch builds and runs the per-remote rsync invocation for a
// coalesced event and interprets its exit status, per spec.md §4.4.
// Grounded on the teacher's process-spawning conventions
// (pkg/process/exit_code.go for exit-code handling); subprocess output is
// captured into bytes.Buffer values.
package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/watch"
)

// DefaultRsyncFlags are the fixed common flags spec.md §4.4 names as the
// default.
var DefaultRsyncFlags = []string{"-artuz"}

// rsyncNoSuchFileMarker is the stderr substring that, combined with exit
// code 23, identifies an rsync failure against an already-absent source as
// an idempotent no-op rather than a real failure (spec.md §4.4, §7).
const rsyncNoSuchFileMarker = "No such file or directory"

// rsyncPartialTransferExitCode is rsync's exit code for "partial transfer
// due to error" which it also uses for some missing-source cases.
const rsyncPartialTransferExitCode = 23

// Invocation is a fully assembled rsync command line, ready to execute.
type Invocation struct {
	Args []string
}

// BuildCommand assembles the rsync invocation for one coalesced event
// against one remote, following the rules in spec.md §4.4. statSource is
// called to determine whether the event's source path currently exists (it
// exists as a parameter, rather than a direct os.Stat call, so tests can
// supply a fake filesystem view).
func BuildCommand(event watch.Merged, remote config.RemoteConfig, cfg *config.Config, statSource func(string) bool) (*Invocation, bool, error) {
	flags := cfg.RsyncFlags
	if len(flags) == 0 {
		flags = DefaultRsyncFlags
	}

	args := append([]string{}, flags...)

	isDelete := event.Kind == watch.DeleteFile || event.Kind == watch.DeleteDir
	sourcePath := event.Path

	if isDelete {
		args = append(args, "--delete")
		if !statSource(sourcePath) {
			parent := filepath.Dir(sourcePath)
			if !statSource(parent) {
				// Idempotent delete: both the path and its parent are
				// already gone. Nothing to transfer (spec.md §4.4, §7,
				// property P8).
				return nil, true, nil
			}
			sourcePath = parent + string(os.PathSeparator)
		}
	}

	if cfg.AuthPasswordFile != "" {
		args = append(args, "--password-file="+cfg.AuthPasswordFile)
	}
	if cfg.TransferTimeout > 0 {
		args = append(args, fmt.Sprintf("--timeout=%d", cfg.TransferTimeout))
	}
	if remote.Port != 0 {
		args = append(args, fmt.Sprintf("--port=%d", remote.Port))
	}

	relpath := relativePath(cfg.WatchedRoot, sourcePath)

	var destination string
	if remote.SSH {
		args = append(args, "-e", "ssh")
		destination = fmt.Sprintf("%s:%s/%s", remote.Addr, remote.Module, relpath)
	} else {
		destination = fmt.Sprintf("%s::%s/%s", remote.Addr, remote.Module, relpath)
	}

	args = append(args, sourcePath, destination)

	return &Invocation{Args: args}, false, nil
}

// BuildFullDirectoryCommand assembles the full-directory-mode rsync
// invocation used by the scheduler and on-demand full sync (spec.md §4.4
// "Full-directory mode"): source is the watched root with a mandatory
// trailing slash for content-only semantics, and --exclude is added per
// filter pattern.
func BuildFullDirectoryCommand(remote config.RemoteConfig, cfg *config.Config, excludes []string) *Invocation {
	flags := cfg.RsyncFlags
	if len(flags) == 0 {
		flags = DefaultRsyncFlags
	}

	args := append([]string{}, flags...)
	args = append(args, "--delete")

	if cfg.AuthPasswordFile != "" {
		args = append(args, "--password-file="+cfg.AuthPasswordFile)
	}
	if cfg.TransferTimeout > 0 {
		args = append(args, fmt.Sprintf("--timeout=%d", cfg.TransferTimeout))
	}
	if remote.Port != 0 {
		args = append(args, fmt.Sprintf("--port=%d", remote.Port))
	}

	for _, pattern := range excludes {
		args = append(args, "--exclude="+pattern)
	}

	source := strings.TrimRight(cfg.WatchedRoot, string(os.PathSeparator)) + string(os.PathSeparator)

	var destination string
	if remote.SSH {
		args = append(args, "-e", "ssh")
		destination = fmt.Sprintf("%s:%s/", remote.Addr, remote.Module)
	} else {
		destination = fmt.Sprintf("%s::%s/", remote.Addr, remote.Module)
	}

	args = append(args, source, destination)

	return &Invocation{Args: args}
}

// relativePath returns path relative to root; if path falls outside root
// (or the relative computation fails), the basename is used instead, per
// spec.md §4.4.
func relativePath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(path)
	}
	if rel == "." {
		return ""
	}
	return rel
}

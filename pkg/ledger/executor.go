package ledger

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sersync-go/sersync/pkg/logging"
)

// DefaultTickInterval is used if an executor is constructed with a
// non-positive interval.
const DefaultTickInterval = 5 * time.Minute

// Executor independently ticks the ledger, running it as a retry batch and
// pruning commands that succeeded. It is deliberately decoupled from the
// dispatcher: a misbehaving executor tick never blocks event dispatch, and
// a dispatcher failure never blocks the next tick (spec.md §4.5, "The
// executor is independent of the dispatcher and survives its own errors").
type Executor struct {
	ledger   *Ledger
	interval time.Duration
	logger   *logging.Logger
	shell    string
}

// NewExecutor creates an Executor for the given ledger, ticking every
// interval.
func NewExecutor(l *Ledger, interval time.Duration, logger *logging.Logger) *Executor {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Executor{ledger: l, interval: interval, logger: logger, shell: "/bin/bash"}
}

// Run ticks the executor until ctx is cancelled. Each tick is independently
// recovered so that one failing tick never stops the loop (spec.md §5,
// §7's "each loop body is wrapped so that a single failing iteration does
// not kill the loop").
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tickSafely(ctx)
		}
	}
}

func (e *Executor) tickSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && e.logger != nil {
			e.logger.Errorf("ledger executor tick panicked: %v", r)
		}
	}()
	if err := e.Tick(ctx); err != nil && e.logger != nil {
		e.logger.Warn(err)
	}
}

// Tick performs one check-and-execute cycle, per spec.md §4.5.
func (e *Executor) Tick(ctx context.Context) error {
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()

	raw, err := os.ReadFile(e.ledger.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	content := string(raw)

	if isEffectivelyEmpty(content) {
		if e.logger != nil {
			e.logger.Debugf("ledger %s has no pending retries", e.ledger.path)
		}
		return nil
	}

	runnable := content + "\n" + summaryFooter

	tmp, err := os.CreateTemp(filepath.Dir(e.ledger.path), TemporaryNamePrefix+"run")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(runnable); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0755); err != nil {
		return err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.shell, tmp.Name())
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	retried, failed := parseRetryCounts(stdout.String())
	if e.logger != nil {
		e.logger.Printf("ledger retry batch complete: retried=%d failed=%d", retried, failed)
	}

	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return runErr
	}

	if exitCode == 0 {
		return os.WriteFile(e.ledger.path, []byte(header()), 0755)
	}

	survivors, parsed := parseFailedCommands(stdout.String())
	if !parsed {
		// No FAILED lines could be identified: conservative behavior is to
		// leave the ledger untouched rather than risk discarding entries
		// we failed to parse (spec.md §4.5 step 5).
		if e.logger != nil {
			e.logger.Warnf("ledger %s execution failed but no FAILED lines were parseable; leaving ledger unchanged", e.ledger.path)
		}
		return nil
	}

	return os.WriteFile(e.ledger.path, []byte(rebuildFromSurvivors(survivors)), 0755)
}

// parseFailedCommands implements the line-oriented state machine of
// spec.md §4.5 step 5 and design note §9(b): it tracks commands announced
// by a "Retrying: <cmd>" line and removes them once a later "SUCCESS:
// <cmd>" line for the same command is seen, leaving only commands whose
// last-seen outcome line was "FAILED: <cmd>" (or no outcome line at all,
// e.g. the script was killed mid-run). It's tolerant of unknown
// intervening lines, per design note §9(b).
func parseFailedCommands(output string) ([]string, bool) {
	order := make([]string, 0)
	status := make(map[string]string) // cmd -> "failed" | "success"
	seenAny := false

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, retryingPrefix):
			cmd := strings.TrimPrefix(line, retryingPrefix)
			if _, ok := status[cmd]; !ok {
				order = append(order, cmd)
			}
			status[cmd] = "pending"
		case strings.HasPrefix(line, successPrefix):
			cmd := strings.TrimPrefix(line, successPrefix)
			status[cmd] = "success"
		case strings.HasPrefix(line, failedPrefix):
			cmd := strings.TrimPrefix(line, failedPrefix)
			status[cmd] = "failed"
			seenAny = true
		}
	}

	if !seenAny {
		return nil, false
	}

	survivors := make([]string, 0, len(order))
	for _, cmd := range order {
		if status[cmd] != "success" {
			survivors = append(survivors, cmd)
		}
	}
	return survivors, true
}

// TemporaryNamePrefix names the runnable-copy temp files this package
// creates when executing a retry batch.
const TemporaryNamePrefix = ".sersync-ledger-"

// Package ledger implements the failure ledger described in spec.md §4.5:
// an append-only shell script of failed rsync invocations, periodically
// executed as a retry batch with incremental pruning of commands that
// succeeded on retry. Grounded on the teacher's convention of capturing
// subprocess output into in-memory buffers (bytes.Buffer) and on
// the Python original's faillog_executor.py, which this package restores
// the emptiness-check and chmod-on-create behavior from.
package ledger

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/dispatch"
	"github.com/sersync-go/sersync/pkg/logging"
	"github.com/sersync-go/sersync/pkg/watch"
)

// The following three strings couple the writer (this file) and the
// executor's output parser (executor.go). Design note §9(b) calls for
// freezing them in a shared constant rather than letting the two sides
// drift independently.
const (
	retryingPrefix = "Retrying: "
	successPrefix  = "SUCCESS: "
	failedPrefix   = "FAILED: "
)

const shebang = "#!/bin/bash\n"

// header is the scaffolding written at the start of a fresh ledger file or
// after a clean (all-succeeded) retry run.
func header() string {
	return shebang + "RETRY_COUNT=0\nFAILED_COUNT=0\n\n"
}

// Ledger owns the on-disk retry script and serializes every append and
// rewrite against it, satisfying invariant I5 (append-only between
// executions; only the executor truncates or rewrites).
type Ledger struct {
	path   string
	logger *logging.Logger
	mu     sync.Mutex
}

// New creates a Ledger backed by path. It does not create the file; the
// file is created lazily on first failure, per spec.md §4.5.
func New(path string, logger *logging.Logger) *Ledger {
	return &Ledger{path: path, logger: logger}
}

// Path returns the ledger's backing file path.
func (l *Ledger) Path() string { return l.path }

// Record implements dispatch.FailureRecorder: it atomically appends one
// retry entry for a failed invocation.
func (l *Ledger) Record(remote config.RemoteConfig, event watch.Merged, invocation *dispatch.Invocation, outcome dispatch.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cmd := formatCommand(invocation.Args)
	entry := formatEntry(remote, event, cmd)

	needsHeader := false
	if info, err := os.Stat(l.path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("unable to stat ledger: %w", err)
		}
		needsHeader = true
	} else if info.Size() == 0 {
		needsHeader = true
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("unable to open ledger for append: %w", err)
	}
	defer f.Close()

	if needsHeader {
		if _, err := f.WriteString(header()); err != nil {
			return fmt.Errorf("unable to write ledger header: %w", err)
		}
	}

	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("unable to append ledger entry: %w", err)
	}

	if err := os.Chmod(l.path, 0755); err != nil {
		return fmt.Errorf("unable to chmod ledger executable: %w", err)
	}

	return nil
}

// formatCommand renders an argv slice as a shell-quoted command line. Args
// containing whitespace, quotes or other shell metacharacters are
// single-quoted, with embedded single quotes escaped; other args, including
// ones with '@' or ':', are written as is.
func formatCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return "rsync " + strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"$`\\!*?[]{}()<>|&;") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// formatEntry renders one ledger entry: a header comment, the Retrying
// echo, the literal command, an exit-code capture, and SUCCESS/FAILED
// branches that bump the counters (spec.md §4.5).
func formatEntry(remote config.RemoteConfig, event watch.Merged, cmd string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s %s -> remote:%s\n",
		event.Timestamp.UTC().Format(time.RFC3339), event.Kind, event.Path, remote.Name)
	fmt.Fprintf(&b, "echo %s\n", shellQuote(retryingPrefix+cmd))
	fmt.Fprintf(&b, "%s\n", cmd)
	b.WriteString("RETRY_RESULT=$?\n")
	b.WriteString("if [ $RETRY_RESULT -eq 0 ]; then\n")
	fmt.Fprintf(&b, "  echo %s\n", shellQuote(successPrefix+cmd))
	b.WriteString("  RETRY_COUNT=$((RETRY_COUNT+1))\n")
	b.WriteString("else\n")
	fmt.Fprintf(&b, "  echo %s\n", shellQuote(failedPrefix+cmd))
	b.WriteString("  FAILED_COUNT=$((FAILED_COUNT+1))\n")
	b.WriteString("fi\n\n")
	return b.String()
}

// rebuildFromSurvivors regenerates a ledger body containing only the
// commands that are still failing, with fresh counter scaffolding (spec.md
// §4.5 step 5).
func rebuildFromSurvivors(commands []string) string {
	var b strings.Builder
	b.WriteString(header())
	for _, cmd := range commands {
		b.WriteString("# retry survived previous execution\n")
		fmt.Fprintf(&b, "echo %s\n", shellQuote(retryingPrefix+cmd))
		fmt.Fprintf(&b, "%s\n", cmd)
		b.WriteString("RETRY_RESULT=$?\n")
		b.WriteString("if [ $RETRY_RESULT -eq 0 ]; then\n")
		fmt.Fprintf(&b, "  echo %s\n", shellQuote(successPrefix+cmd))
		b.WriteString("  RETRY_COUNT=$((RETRY_COUNT+1))\n")
		b.WriteString("else\n")
		fmt.Fprintf(&b, "  echo %s\n", shellQuote(failedPrefix+cmd))
		b.WriteString("  FAILED_COUNT=$((FAILED_COUNT+1))\n")
		b.WriteString("fi\n\n")
	}
	return b.String()
}

// summaryFooter is appended before each execution and prints totals,
// exiting 0 if nothing failed and 1 otherwise (spec.md §4.5 step 2).
const summaryFooter = `echo "=== FailLog Retry Summary ==="
echo "Retried: $RETRY_COUNT"
echo "Failed: $FAILED_COUNT"
if [ "$FAILED_COUNT" -eq 0 ]; then
  exit 0
else
  exit 1
fi
`

// isEffectivelyEmpty reports whether content has no retryable work: either
// it's at most the bare shebang/header size, or it contains no line that is
// itself an rsync command (spec.md §4.5 step 1; restored in full detail
// from the Python original's faillog_executor.py size/content checks).
func isEffectivelyEmpty(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || trimmed == strings.TrimSpace(shebang) {
		return true
	}
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "rsync ") {
			return false
		}
	}
	return true
}

// parseRetryCounts extracts the RETRY_COUNT/FAILED_COUNT values baked into
// the summary footer's echoed output, used only for logging.
func parseRetryCounts(output string) (retried, failed int) {
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "Retried: ") {
			retried, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Retried: ")))
		} else if strings.HasPrefix(line, "Failed: ") {
			failed, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Failed: ")))
		}
	}
	return
}

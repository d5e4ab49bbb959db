package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long a killed probe may keep its output pipes open.
const waitDelay = time.Second

// DefaultListArgs are the arguments passed to the probe command when
// [Options.Args] is nil.
var DefaultListArgs = []string{"-l"}

// Options configures a single discovery run.
type Options struct {
	// Command is the probe binary to execute.
	Command string

	// Args are passed to Command. nil means [DefaultListArgs].
	Args []string

	// Filter, when non-empty, keeps only device ids containing it.
	Filter string
}

// DiscoveryError reports a probe command that could not be run or that
// exited with a nonzero status.
type DiscoveryError struct {
	// Command is the full command line that was executed.
	Command string

	// ExitCode is the probe's exit status, or -1 if it never ran to completion.
	ExitCode int

	// Output is the diagnostic text captured from the probe.
	Output string

	// Err is the underlying exec or context error.
	Err error
}

func (e *DiscoveryError) Error() string {
	msg := fmt.Sprintf("device discovery failed: %s (exit %d)", e.Command, e.ExitCode)
	if e.Output != "" {
		msg += ": " + e.Output
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Discover runs the probe command once and returns the listed device ids in
// their original order.
//
// Each output line is trimmed of surrounding whitespace; blank lines are
// discarded. If opts.Filter is set only ids containing it are returned.
// Any failure to run the probe is reported as a [*DiscoveryError].
func Discover(ctx context.Context, opts Options) ([]string, error) {
	if opts.Command == "" {
		return nil, &DiscoveryError{ExitCode: -1, Err: errors.New("probe command is required")}
	}

	args := opts.Args
	if args == nil {
		args = DefaultListArgs
	}

	cmd := exec.CommandContext(ctx, opts.Command, args...)
	// grandchildren holding the pipes open must not stall a cancelled run
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		derr := &DiscoveryError{
			Command:  strings.Join(cmd.Args, " "),
			ExitCode: -1,
			Output:   diagnosticOutput(stderr.String(), stdout.String()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			derr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			derr.Err = ctxErr
		}
		return nil, derr
	}

	return Filter(ParseDevices(stdout.String()), opts.Filter), nil
}

// ParseDevices splits probe output into device ids, one per non-blank line.
// Lines of any length are kept.
func ParseDevices(output string) []string {
	devices := []string{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		devices = append(devices, line)
	}
	return devices
}

// Filter returns the ids containing substr, preserving their relative order.
// An empty substr returns ids unchanged.
func Filter(ids []string, substr string) []string {
	if substr == "" {
		return ids
	}
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.Contains(id, substr) {
			kept = append(kept, id)
		}
	}
	return kept
}

// diagnosticOutput prefers stderr, falling back to stdout.
func diagnosticOutput(stderr, stdout string) string {
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	return strings.TrimSpace(stdout)
}

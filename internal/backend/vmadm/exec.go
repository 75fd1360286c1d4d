package vmadm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/vmgate/vmgate/internal/logging"
)

// reqIDEnv carries a correlation id into the tool so its own logs can be
// matched back to the request that spawned it.
const reqIDEnv = "VMGATE_REQ_ID"

// errorCode classifies a tool failure from its final stderr line.
type errorCode int

const (
	errNone errorCode = iota
	// errNotFound covers the expected load-before-exists race and empty
	// lookups. Logged at trace only.
	errNotFound
	errNotRunning
	errUnclassified
)

// stderr patterns the classifier recognizes. Only the last line is
// inspected; multi-line failures classify by their final line.
const (
	msgNoSuchZone  = "no such zone configured"
	msgEmptyLookup = "unique lookup found 0 results"
	msgNoInitPID   = "cannot find running init pid"
)

// result is the outcome of one tool invocation.
type result struct {
	ExitCode    int
	Signal      string
	Stdout      string
	StderrLines []string
	Code        errorCode
}

// runner abstracts tool invocation so the backend can be exercised without
// a real tool on the host.
type runner interface {
	run(ctx context.Context, args []string, stdin []byte) (result, error)
}

type tool struct {
	path   string
	logger *slog.Logger
}

func newTool(path string, logger *slog.Logger) *tool {
	return &tool{path: path, logger: logging.Ensure(logger)}
}

// run spawns the tool, writes the optional stdin payload, buffers stdout
// whole and splits stderr into lines as they arrive. The returned error is
// reserved for spawn failures; tool failures land in result.Code.
func (t *tool) run(ctx context.Context, args []string, stdin []byte) (result, error) {
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", reqIDEnv, uuid.NewString()))
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return result{}, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return result{}, fmt.Errorf("start %s: %w", t.path, err)
	}

	// Drain stderr to EOF before reaping the process; Wait closes the pipe.
	var stderrLines []string
	scanner := bufio.NewScanner(stderrPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		stderrLines = append(stderrLines, scanner.Text())
	}

	waitErr := cmd.Wait()

	res := result{
		Stdout:      stdout.String(),
		StderrLines: stderrLines,
	}
	if state := cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			res.Signal = status.Signal().String()
		}
	}
	if waitErr != nil && cmd.ProcessState == nil {
		return result{}, fmt.Errorf("wait for %s: %w", t.path, waitErr)
	}

	res.Code = classify(res.ExitCode, res.Signal, res.StderrLines)
	switch res.Code {
	case errNone:
	case errUnclassified:
		t.logger.Error("tool invocation failed",
			"tool", t.path,
			"args", strings.Join(args, " "),
			"exit_code", res.ExitCode,
			"signal", res.Signal,
			"stdout", res.Stdout,
			"stderr", strings.Join(res.StderrLines, "\n"),
		)
	default:
		logging.Trace(t.logger, "tool reported benign failure",
			"tool", t.path,
			"args", strings.Join(args, " "),
			"exit_code", res.ExitCode,
			"stderr_last", lastLine(res.StderrLines),
		)
	}
	return res, nil
}

// classify maps an exit outcome to an error code by inspecting only the
// last stderr line.
func classify(exitCode int, signal string, stderrLines []string) errorCode {
	if exitCode == 0 && signal == "" {
		return errNone
	}
	last := strings.ToLower(lastLine(stderrLines))
	switch {
	case strings.Contains(last, msgNoSuchZone):
		return errNotFound
	case strings.Contains(last, msgEmptyLookup):
		return errNotFound
	case strings.Contains(last, msgNoInitPID):
		return errNotRunning
	default:
		return errUnclassified
	}
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

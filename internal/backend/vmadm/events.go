package vmadm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vmgate/vmgate/internal/backend"
	"github.com/vmgate/vmgate/internal/logging"
)

// ErrEventsUnsupported reports that the installed tool predates the events
// subcommand. The stream shuts down gracefully when it appears.
var ErrEventsUnsupported = errors.New("events subcommand not supported by tool")

const msgUnsupported = "command not supported"

// eventStream runs one long-lived `events -rj` subprocess and feeds parsed
// lines to the subscriber. A malformed line is treated as a backend bug:
// the child is aborted with SIGABRT so a core is preserved, and the error
// surfaces on the stream.
type eventStream struct {
	cmd     *exec.Cmd
	handler backend.EventHandler
	logger  *slog.Logger

	readyCh chan error
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
	ready   bool
	err     error
}

// Events subscribes to the tool's lifecycle event stream, optionally
// narrowed to one machine. It returns once the stream has signaled
// readiness; an unsupported tool surfaces ErrEventsUnsupported.
func (b *Backend) Events(ctx context.Context, uuid string, handler backend.EventHandler) (backend.EventStream, error) {
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	args := []string{"events", "-rj"}
	if uuid != "" {
		args = append(args, uuid)
	}

	cmd := exec.Command(b.toolPath, args...)
	cmd.Env = os.Environ()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start event stream: %w", err)
	}

	stream := &eventStream{
		cmd:     cmd,
		handler: handler,
		logger:  b.logger.With("component", "events"),
		readyCh: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go stream.consumeStderr(stderr)
	go stream.run(stdout)

	select {
	case err := <-stream.readyCh:
		if err != nil {
			<-stream.done
			return nil, err
		}
	case <-ctx.Done():
		stream.Stop()
		<-stream.done
		return nil, ctx.Err()
	}

	// Tie the stream to the caller's context after readiness.
	go func() {
		select {
		case <-ctx.Done():
			stream.Stop()
		case <-stream.done:
		}
	}()
	return stream, nil
}

// Stop is idempotent. The stream is marked stopped before the child is
// signaled so the exit handler does not report the resulting non-zero exit.
func (s *eventStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (s *eventStream) Done() <-chan struct{} { return s.done }

func (s *eventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// run delivers parsed stdout events in arrival order. The first "ready"
// event is consumed as the readiness signal; everything after it goes to
// the subscriber.
func (s *eventStream) run(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		event, err := parseEvent([]byte(line))
		if err != nil {
			s.fatal(fmt.Errorf("malformed event %q: %w", line, err))
			break
		}
		if event.Type == "ready" && s.markReady(nil) {
			continue
		}
		s.handler(event)
	}

	waitErr := s.cmd.Wait()
	s.finish(waitErr)
}

// consumeStderr watches for the one tolerated message. Anything else on
// stderr indicates a tool bug and takes the same fatal path as a parse
// failure.
func (s *eventStream) consumeStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.Contains(strings.ToLower(line), msgUnsupported) {
			s.unsupported()
			return
		}
		s.fatal(fmt.Errorf("unexpected event stream stderr: %s", line))
		return
	}
}

// fatal aborts the child with SIGABRT to preserve a diagnostic core and
// raises err to the subscriber. A caller-initiated stop wins over it.
func (s *eventStream) fatal(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	s.logger.Error("event stream failed, aborting tool", "error", err)
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(unix.SIGABRT)
	}
	s.markReady(err)
}

// unsupported ends the stream gracefully: readiness carries the error and
// the child is terminated without the abort path.
func (s *eventStream) unsupported() {
	s.mu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	if s.err == nil {
		s.err = ErrEventsUnsupported
	}
	s.mu.Unlock()

	if !alreadyStopped && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	s.markReady(ErrEventsUnsupported)
}

// markReady delivers the one-time readiness signal. It reports whether this
// call was the one that consumed it.
func (s *eventStream) markReady(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return false
	}
	s.ready = true
	s.readyCh <- err
	return true
}

// finish records the exit outcome and closes done. Exit errors after a
// caller stop or the unsupported path are suppressed.
func (s *eventStream) finish(waitErr error) {
	s.mu.Lock()
	if s.err == nil && !s.stopped && waitErr != nil {
		s.err = fmt.Errorf("event stream exited: %w", waitErr)
	}
	err := s.err
	s.mu.Unlock()

	if err != nil && !errors.Is(err, ErrEventsUnsupported) {
		s.logger.Error("event stream terminated", "error", err)
	} else {
		logging.Trace(s.logger, "event stream closed")
	}
	// Readiness must settle even if the process died before the handshake.
	s.markReady(errors.Join(err, errors.New("event stream ended before ready")))
	close(s.done)
}

// parseEvent decodes one stream line. type and a parsable RFC3339 date are
// mandatory; their absence is a protocol failure, not a transient fault.
func parseEvent(line []byte) (backend.Event, error) {
	var payload struct {
		Type     string `json:"type"`
		Date     string `json:"date"`
		Zonename string `json:"zonename"`
	}
	if err := json.Unmarshal(line, &payload); err != nil {
		return backend.Event{}, err
	}
	if payload.Type == "" {
		return backend.Event{}, errors.New("missing type field")
	}
	if payload.Date == "" {
		return backend.Event{}, errors.New("missing date field")
	}
	date, err := time.Parse(time.RFC3339, payload.Date)
	if err != nil {
		return backend.Event{}, fmt.Errorf("unparsable date: %w", err)
	}
	return backend.Event{
		Type: payload.Type,
		Date: date,
		UUID: payload.Zonename,
		Raw:  json.RawMessage(append([]byte(nil), line...)),
	}, nil
}

package reader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeScript writes an executable shell script standing in for the poll binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poll")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// eventSink collects events delivered to a callback.
type eventSink struct {
	ch chan Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan Event, 100)}
}

func (s *eventSink) callback(ev Event) {
	s.ch <- ev
}

// next waits for one event or fails the test.
func (s *eventSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// drain returns every event delivered so far.
func (s *eventSink) drain() []Event {
	var events []Event
	for {
		select {
		case ev := <-s.ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func cards(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Card)
	}
	return out
}

// waitOrFail runs fn and fails the test if it does not return within d.
func waitOrFail(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s did not return within %v", what, d)
	}
}

// processGone reports whether pid no longer runs. An orphan may linger as a
// zombie until its new parent reaps it, which counts as gone.
func processGone(pid int) bool {
	if errors.Is(unix.Kill(pid, 0), unix.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// the state field follows the parenthesised command name
	fields := strings.Fields(string(stat[bytes.LastIndexByte(stat, ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func TestSupervisor_EmitsLinesInOrder(t *testing.T) {
	sink := newEventSink()
	poll := writeScript(t, `printf '\n04A1B2C3\n\n'`)

	s := NewSupervisor("acr122_usb:001", CommandConfig{Path: poll}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	waitOrFail(t, 5*time.Second, "Wait", s.Wait)

	events := sink.drain()
	assert.Equal(t, []string{"", "04A1B2C3", ""}, cards(events))
	for _, ev := range events {
		assert.Equal(t, "acr122_usb:001", ev.Reader)
		assert.False(t, ev.ReadAt.IsZero())
	}
	assert.False(t, events[0].Present())
	assert.True(t, events[1].Present())

	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, s.PID())
	assert.NoError(t, s.Err())
}

func TestSupervisor_TrimsWhitespace(t *testing.T) {
	sink := newEventSink()
	poll := writeScript(t, `printf '  04A1 \t\r\n\r\nlast'`)

	s := NewSupervisor("dev", CommandConfig{Path: poll}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	s.Wait()

	assert.Equal(t, []string{"04A1", "", "last"}, cards(sink.drain()))
}

func TestSupervisor_DeviceIsLastArgument(t *testing.T) {
	sink := newEventSink()
	poll := writeScript(t, `echo "$#:$1:$2"`)

	s := NewSupervisor("pn532_uart:/dev/ttyUSB0", CommandConfig{Path: poll, Args: []string{"-v"}}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	s.Wait()

	assert.Equal(t, []string{"2:-v:pn532_uart:/dev/ttyUSB0"}, cards(sink.drain()))
}

func TestSupervisor_OpenTwice(t *testing.T) {
	poll := writeScript(t, `exit 0`)

	s := NewSupervisor("dev", CommandConfig{Path: poll}, nil, testLogger())
	require.NoError(t, s.Open())

	err := s.Open()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)

	s.Wait()
	assert.ErrorIs(t, s.Open(), ErrInvalidState, "a closed supervisor cannot be reopened")
}

func TestSupervisor_IdleWaitAndClose(t *testing.T) {
	s := NewSupervisor("dev", CommandConfig{Path: "/bin/true"}, nil, testLogger())

	waitOrFail(t, time.Second, "Wait on idle supervisor", s.Wait)
	require.NoError(t, s.Close())
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, "dev", s.Device())
}

func TestSupervisor_ReadLineRequiresRunning(t *testing.T) {
	s := NewSupervisor("dev", CommandConfig{Path: "/bin/true"}, nil, testLogger())

	_, err := s.readLine()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSupervisor_CloseTerminatesProcess(t *testing.T) {
	sink := newEventSink()
	poll := writeScript(t, `echo ready
exec sleep 60`)

	s := NewSupervisor("dev", CommandConfig{Path: poll}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	assert.Equal(t, "ready", sink.next(t).Card)

	pid := s.PID()
	require.NotZero(t, pid)
	assert.Equal(t, Running, s.State())

	waitOrFail(t, 5*time.Second, "Close", func() { _ = s.Close() })

	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, s.PID())
	assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH, "process must be gone after Close")

	require.NoError(t, s.Close(), "second Close is a no-op")
}

func TestSupervisor_CloseKillsProcessGroup(t *testing.T) {
	sink := newEventSink()
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	poll := writeScript(t, `sleep 60 &
echo $! > `+pidFile+`
echo ready
wait`)

	// background jobs of a non-interactive shell ignore SIGINT
	s := NewSupervisor("dev", CommandConfig{Path: poll, Signal: syscall.SIGTERM}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	assert.Equal(t, "ready", sink.next(t).Card)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	childPID, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	waitOrFail(t, 5*time.Second, "Close", func() { _ = s.Close() })

	assert.Eventually(t, func() bool {
		return processGone(childPID)
	}, 2*time.Second, 20*time.Millisecond, "background child must be signalled with its group")
}

func TestSupervisor_EscalatesToSIGKILL(t *testing.T) {
	sink := newEventSink()
	poll := writeScript(t, `trap '' INT TERM
echo ready
while :; do sleep 1; done`)

	s := NewSupervisor("dev", CommandConfig{
		Path:            poll,
		Signal:          syscall.SIGTERM,
		ShutdownTimeout: 200 * time.Millisecond,
	}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	assert.Equal(t, "ready", sink.next(t).Card)

	pid := s.PID()
	start := time.Now()
	waitOrFail(t, 5*time.Second, "Close", func() { _ = s.Close() })

	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH)
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	sink := newEventSink()
	missing := filepath.Join(t.TempDir(), "no-such-poll")

	s := NewSupervisor("dev", CommandConfig{Path: missing}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	waitOrFail(t, 5*time.Second, "Wait", s.Wait)

	assert.Equal(t, Closed, s.State())
	assert.Error(t, s.Err())
	assert.Empty(t, sink.drain())
	assert.NoError(t, s.Close())
}

func TestSupervisor_CallbackPanicDoesNotStopReader(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	cb := func(ev Event) {
		if ev.Card == "boom" {
			panic("callback exploded")
		}
		mu.Lock()
		got = append(got, ev.Card)
		mu.Unlock()
	}
	logs := &syncBuffer{}
	logger := zerolog.New(logs)

	poll := writeScript(t, `printf 'a\nboom\nb\n'`)
	s := NewSupervisor("dev", CommandConfig{Path: poll}, cb, &logger)
	require.NoError(t, s.Open())
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Contains(t, logs.String(), "event callback panic")
	assert.Contains(t, logs.String(), "correlation_id")
	assert.NoError(t, s.Err())
}

func TestSupervisor_ReadFailureCleansUp(t *testing.T) {
	sink := newEventSink()
	poll := writeScript(t, `echo ready
exec sleep 60`)

	s := NewSupervisor("dev", CommandConfig{Path: poll}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	assert.Equal(t, "ready", sink.next(t).Card)

	pid := s.PID()
	require.NotZero(t, pid)
	require.Equal(t, Running, s.State())

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	proc.closeStdout()

	waitOrFail(t, 5*time.Second, "Wait", s.Wait)

	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, s.PID())
	assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH, "process must be gone once the read loop fails")
	assert.NoError(t, s.Close())
}

func TestSupervisor_LoopPanicCleansUp(t *testing.T) {
	sink := newEventSink()
	logs := &syncBuffer{}
	logger := zerolog.New(logs)
	poll := writeScript(t, `echo ready
sleep 0.3
echo next
exec sleep 60`)

	s := NewSupervisor("dev", CommandConfig{Path: poll}, sink.callback, &logger)
	require.NoError(t, s.Open())
	assert.Equal(t, "ready", sink.next(t).Card)

	pid := s.PID()
	require.NotZero(t, pid)

	// same process without a line reader; the loop picks it up under the
	// lock and dereferences the nil reader on its next read
	s.mu.Lock()
	proc := s.proc
	s.proc = &process{
		cmd:        proc.cmd,
		stdout:     proc.stdout,
		exited:     proc.exited,
		eof:        proc.eof,
		stderr:     proc.stderr,
		stderrDone: proc.stderrDone,
	}
	s.mu.Unlock()

	waitOrFail(t, 5*time.Second, "Wait", s.Wait)

	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, s.PID())
	assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH, "process must be gone after a loop panic")
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "reader loop panic")
	assert.Contains(t, logs.String(), "reader loop panic")
}

func TestSupervisor_StderrIsLoggedNotEmitted(t *testing.T) {
	sink := newEventSink()
	logs := &syncBuffer{}
	logger := zerolog.New(logs)

	poll := writeScript(t, `echo "nfc_initiator_poll_target: timeout" >&2
echo 04A1`)
	s := NewSupervisor("dev", CommandConfig{Path: poll}, sink.callback, &logger)
	require.NoError(t, s.Open())
	s.Wait()

	assert.Equal(t, []string{"04A1"}, cards(sink.drain()))
	assert.Contains(t, logs.String(), "nfc_initiator_poll_target: timeout")
	assert.Contains(t, logs.String(), `"level":"warn"`)
}

func TestSupervisor_PTYMode(t *testing.T) {
	sink := newEventSink()
	poll := writeScript(t, `if [ -t 1 ]; then echo tty; else echo pipe; fi
printf '04A1\n\n'`)

	s := NewSupervisor("dev", CommandConfig{Path: poll, PTY: true}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	waitOrFail(t, 5*time.Second, "Wait", s.Wait)

	assert.Equal(t, []string{"tty", "04A1", ""}, cards(sink.drain()))
	assert.Equal(t, Closed, s.State())
}

func TestSupervisor_ConcurrentCloseAndWait(t *testing.T) {
	sink := newEventSink()
	poll := writeScript(t, `echo ready
exec sleep 60`)

	s := NewSupervisor("dev", CommandConfig{Path: poll}, sink.callback, testLogger())
	require.NoError(t, s.Open())
	sink.next(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Wait()
		}()
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	waitOrFail(t, 5*time.Second, "concurrent Close/Wait", wg.Wait)
	assert.Equal(t, Closed, s.State())
}

func TestSupervisor_CloseWhileStarting(t *testing.T) {
	poll := writeScript(t, `exec sleep 60`)

	s := NewSupervisor("dev", CommandConfig{Path: poll}, nil, testLogger())
	require.NoError(t, s.Open())
	waitOrFail(t, 5*time.Second, "Close", func() { _ = s.Close() })
	assert.Equal(t, Closed, s.State())
}

func TestProcessReadLine_PTYEndOfStream(t *testing.T) {
	master, tty, err := pty.Open()
	require.NoError(t, err)
	defer master.Close()

	p := &process{pty: true, stdout: master, eof: make(chan struct{})}
	p.lines = bufio.NewReader(master)

	_, err = tty.Write([]byte("04A1\n"))
	require.NoError(t, err)

	line, err := p.readLine()
	require.NoError(t, err)
	assert.Equal(t, "04A1", line, "tty CR must be stripped")

	require.NoError(t, tty.Close())
	_, err = p.readLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    syscall.Signal
		wantErr bool
	}{
		{"", syscall.SIGINT, false},
		{"SIGINT", syscall.SIGINT, false},
		{"term", syscall.SIGTERM, false},
		{" SIGHUP ", syscall.SIGHUP, false},
		{"9", syscall.SIGKILL, false},
		{"SIGBOGUS", 0, true},
		{"999", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSignal(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "exiting", Exiting.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(42).String())
}

package reader

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// DefaultShutdownTimeout is how long a signalled process may take to
	// exit before it is killed.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultSignal asks the poll binary to abort its poll loop.
	DefaultSignal = syscall.SIGINT

	// drainTimeout bounds how long stdout may stay open after the process
	// has exited, e.g. when an orphaned grandchild still holds the pipe.
	drainTimeout = time.Second
)

// CommandConfig describes how a polling process is launched and stopped.
//
// The command line is Path, then Args, then the device id as the last
// argument.
type CommandConfig struct {
	// Path is the poll binary.
	Path string

	// Args are passed before the device id.
	Args []string

	// PTY starts the process on a pseudo-terminal so C stdio line-buffers
	// its output. Stdout and stderr are merged in this mode.
	PTY bool

	// Signal is sent to the process group on shutdown. Zero means SIGINT.
	Signal syscall.Signal

	// ShutdownTimeout is how long to wait after Signal before SIGKILL.
	// Zero means DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

func (c CommandConfig) withDefaults() CommandConfig {
	if c.Signal == 0 {
		c.Signal = DefaultSignal
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// argv returns the full command line for device.
func (c CommandConfig) argv(device string) []string {
	args := make([]string, 0, len(c.Args)+1)
	args = append(args, c.Args...)
	return append(args, device)
}

// ParseSignal converts a signal name such as "SIGTERM", "term" or "15" into
// a signal number.
func ParseSignal(name string) (syscall.Signal, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	if s == "" {
		return DefaultSignal, nil
	}
	if num, err := strconv.Atoi(s); err == nil {
		if unix.SignalName(syscall.Signal(num)) == "" {
			return 0, fmt.Errorf("unknown signal %d", num)
		}
		return syscall.Signal(num), nil
	}
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	sig := unix.SignalNum(s)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// process is one running poll binary and the pipes it writes to.
type process struct {
	cmd    *exec.Cmd
	stdout *os.File
	lines  *bufio.Reader
	pty    bool

	exited  chan struct{}
	waitErr error

	eof       chan struct{}
	eofOnce   sync.Once
	closeOnce sync.Once

	stderr     *os.File
	stderrDone chan struct{}
}

// startProcess launches the poll command for device in its own process
// group (or its own session on a pty).
func startProcess(device string, cfg CommandConfig, logger *zerolog.Logger) (*process, error) {
	cmd := exec.Command(cfg.Path, cfg.argv(device)...)
	p := &process{
		cmd:    cmd,
		pty:    cfg.PTY,
		exited: make(chan struct{}),
		eof:    make(chan struct{}),
	}

	if cfg.PTY {
		// pty.Start puts the child in a new session with the tty as its
		// controlling terminal, so its pid is also its process group id.
		master, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start %s on pty: %w", cfg.Path, err)
		}
		p.stdout = master
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		outR, outW, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		errR, errW, err := os.Pipe()
		if err != nil {
			outR.Close()
			outW.Close()
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		cmd.Stdout = outW
		cmd.Stderr = errW

		startErr := cmd.Start()
		outW.Close()
		errW.Close()
		if startErr != nil {
			outR.Close()
			errR.Close()
			return nil, fmt.Errorf("start %s: %w", cfg.Path, startErr)
		}

		p.stdout = outR
		p.stderr = errR
		p.stderrDone = make(chan struct{})
		go p.logStderr(logger)
	}

	p.lines = bufio.NewReader(p.stdout)

	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	go p.closeStdoutAfterExit()

	return p, nil
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// readLine returns the next line with surrounding whitespace removed,
// including the CR a tty adds. io.EOF means the stream has ended.
func (p *process) readLine() (string, error) {
	line, err := p.lines.ReadString('\n')
	if err != nil {
		if p.streamEnded(err) {
			p.eofOnce.Do(func() { close(p.eof) })
			err = io.EOF
		}
		if line != "" && err == io.EOF {
			// final line without a trailing newline
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// streamEnded reports whether err marks the normal end of the output stream.
// A pty master returns EIO once the slave side has been closed.
func (p *process) streamEnded(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return true
	}
	return p.pty && errors.Is(err, syscall.EIO)
}

// signal sends sig to the whole process group.
func (p *process) signal(sig syscall.Signal) error {
	pid := p.pid()
	if pid <= 0 || !p.alive() {
		return nil
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %s to process group %d: %w", unix.SignalName(sig), pid, err)
	}
	return nil
}

// terminate signals the process group and waits for the process to exit,
// escalating to SIGKILL after timeout. It returns once the process has been
// reaped and is safe to call more than once.
func (p *process) terminate(sig syscall.Signal, timeout time.Duration) (killed bool, err error) {
	if !p.alive() {
		return false, nil
	}
	err = p.signal(sig)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return false, err
	case <-timer.C:
	}

	if kerr := p.signal(unix.SIGKILL); kerr != nil {
		err = errors.Join(err, kerr)
	}
	<-p.exited
	return true, err
}

// closeStdoutAfterExit unblocks a reader stuck on a pipe that outlives the
// process.
func (p *process) closeStdoutAfterExit() {
	<-p.exited
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-p.eof:
	case <-timer.C:
		p.closeStdout()
	}
}

func (p *process) closeStdout() {
	p.closeOnce.Do(func() { _ = p.stdout.Close() })
}

// release closes the output streams. The process must have exited.
func (p *process) release() {
	p.closeStdout()
	if p.stderr == nil {
		return
	}
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-p.stderrDone:
	case <-timer.C:
		_ = p.stderr.Close()
		<-p.stderrDone
		return
	}
	_ = p.stderr.Close()
}

// logStderr logs each diagnostic line until the stream ends.
func (p *process) logStderr(logger *zerolog.Logger) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Warn().Int("pid", p.pid()).Str("stderr", line).Msg("poll process diagnostic")
	}
}

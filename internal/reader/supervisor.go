package reader

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Supervisor owns the polling process for one reader device.
//
// Open launches a goroutine that spawns the process and turns each line of
// its output into an [Event]. The goroutine and the process share a
// lifetime: when the output stream ends, the read fails, or Close is called,
// the process group is signalled, reaped and released before the supervisor
// reports [Closed].
//
// All methods are safe for concurrent use.
type Supervisor struct {
	device string
	cmd    CommandConfig
	cb     Callback
	logger *zerolog.Logger

	// done is closed when the read goroutine has finished cleanup.
	done chan struct{}

	mu      sync.Mutex
	state   State
	proc    *process
	err     error
	closing bool
}

// NewSupervisor creates an idle supervisor for device.
//
// Every line the process prints is delivered to cb from the supervisor's
// read goroutine. A nil logger disables logging.
func NewSupervisor(device string, cmd CommandConfig, cb Callback, logger *zerolog.Logger) *Supervisor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("device", device).Logger()
	if cb == nil {
		cb = func(Event) {}
	}
	return &Supervisor{
		device: device,
		cmd:    cmd.withDefaults(),
		cb:     cb,
		logger: &l,
		done:   make(chan struct{}),
		state:  Idle,
	}
}

// Device returns the device id this supervisor was created for.
func (s *Supervisor) Device() string {
	return s.device
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the process id of the polling process, or 0 if none is live.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.pid()
}

// Err returns the spawn or read error that ended the supervisor, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Open starts the polling process in the background.
//
// Open returns as soon as the read goroutine has been launched; a spawn
// failure is logged and leaves the supervisor [Closed]. Calling Open on a
// supervisor that is not [Idle] returns [ErrInvalidState].
func (s *Supervisor) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle {
		return fmt.Errorf("open %s: %w: %s", s.device, ErrInvalidState, s.state)
	}
	s.state = Starting
	go s.run()
	return nil
}

// Wait blocks until the read goroutine has exited. It does not ask the
// process to stop. Wait returns immediately on an idle supervisor.
func (s *Supervisor) Wait() {
	if s.State() == Idle {
		return
	}
	<-s.done
}

// Close terminates the polling process and waits for the read goroutine to
// finish. It is idempotent and a no-op on an idle or closed supervisor.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.state == Idle || s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	proc := s.proc
	s.mu.Unlock()

	var err error
	if proc != nil {
		s.logger.Info().Int("pid", proc.pid()).Msg("stopping reader")
		_, err = proc.terminate(s.cmd.Signal, s.cmd.ShutdownTimeout)
	}
	<-s.done
	return err
}

// run is the read goroutine.
func (s *Supervisor) run() {
	defer close(s.done)
	defer s.cleanup()
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			s.logger.Error().
				Str("correlation_id", correlationID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("reader loop panic")
			s.setErr(fmt.Errorf("reader loop panic (correlation_id: %s)", correlationID))
		}
	}()

	proc, err := startProcess(s.device, s.cmd, s.logger)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to start poll process")
		s.setErr(err)
		return
	}

	s.mu.Lock()
	s.proc = proc
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.state = Running
	s.mu.Unlock()

	s.logger.Info().Int("pid", proc.pid()).Msg("reader running")

	for {
		card, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn().Err(err).Msg("reading poll output failed")
				s.setErr(err)
			}
			break
		}
		s.emit(card)
	}

	s.mu.Lock()
	s.state = Exiting
	s.mu.Unlock()
}

// readLine reads the next line from the running process.
func (s *Supervisor) readLine() (string, error) {
	s.mu.Lock()
	state, proc := s.state, s.proc
	s.mu.Unlock()

	if state != Running || proc == nil {
		return "", fmt.Errorf("read %s: %w: %s", s.device, ErrInvalidState, state)
	}
	return proc.readLine()
}

// emit hands one line to the callback, recovering from panics so a faulty
// callback cannot stop the reader.
func (s *Supervisor) emit(card string) {
	ev := Event{Reader: s.device, Card: card, ReadAt: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			s.logger.Error().
				Str("correlation_id", correlationID).
				Str("card", card).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("event callback panic")
		}
	}()
	s.cb(ev)
}

// cleanup stops and releases the process on every exit path of run.
func (s *Supervisor) cleanup() {
	s.mu.Lock()
	if s.state == Running {
		s.state = Exiting
	}
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		killed, err := proc.terminate(s.cmd.Signal, s.cmd.ShutdownTimeout)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to signal poll process")
		}
		if killed {
			s.logger.Warn().
				Int("pid", proc.pid()).
				Dur("timeout", s.cmd.ShutdownTimeout).
				Msg("poll process ignored shutdown signal, killed")
		}
		proc.release()

		ev := s.logger.Info().Int("pid", proc.pid())
		if proc.waitErr != nil {
			ev = ev.Str("exit", proc.waitErr.Error())
		}
		ev.Msg("reader closed")
	}

	s.mu.Lock()
	s.state = Closed
	s.proc = nil
	s.mu.Unlock()
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

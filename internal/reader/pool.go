package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/jpalmerr/cardwatch/internal/discovery"
)

// PoolConfig holds what a [Pool] needs to find and run its readers.
type PoolConfig struct {
	// Discovery configures the probe that lists device ids.
	Discovery discovery.Options

	// Command configures the per-device poll process.
	Command CommandConfig
}

// ReaderStatus is a point-in-time view of one supervised reader.
type ReaderStatus struct {
	Device string `json:"device"`
	State  string `json:"state"`
	PID    int    `json:"pid,omitempty"`
}

// Pool discovers reader devices and runs one [Supervisor] for each.
//
// All supervisors share the pool's callback. Run and Close are safe for
// concurrent use; Close may be called before, during or after Run.
type Pool struct {
	cfg      PoolConfig
	cb       Callback
	logger   *zerolog.Logger
	discover func(context.Context, discovery.Options) ([]string, error)

	mu          sync.Mutex
	supervisors []*Supervisor
	started     bool
	closed      bool
}

// NewPool creates a pool. Nothing is started until [Pool.Run].
func NewPool(cfg PoolConfig, cb Callback, logger *zerolog.Logger) *Pool {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Pool{
		cfg:      cfg,
		cb:       cb,
		logger:   logger,
		discover: discovery.Discover,
	}
}

// Run discovers devices once, opens a supervisor per device and blocks until
// every device stream has ended.
//
// A discovery failure is logged and treated as zero devices; with no devices
// Run returns nil straight away. A device whose process fails to spawn does
// not affect the others. If ctx is cancelled first, every supervisor is
// closed before Run returns ctx.Err().
//
// A pool runs at most once; a second Run returns [ErrInvalidState].
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("run pool: %w: already started", ErrInvalidState)
	}
	p.started = true
	p.mu.Unlock()

	devices, err := p.discover(ctx, p.cfg.Discovery)
	if err != nil {
		var derr *discovery.DiscoveryError
		if errors.As(err, &derr) {
			p.logger.Warn().
				Str("command", derr.Command).
				Int("exit_code", derr.ExitCode).
				Str("output", derr.Output).
				Msg("device discovery failed")
		} else {
			p.logger.Warn().Err(err).Msg("device discovery failed")
		}
		devices = nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	devices = unique(devices)
	if len(devices) == 0 {
		p.logger.Info().Msg("no card readers found")
		return nil
	}

	supervisors := make([]*Supervisor, 0, len(devices))
	for _, device := range devices {
		supervisors = append(supervisors, NewSupervisor(device, p.cfg.Command, p.cb, p.logger))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.supervisors = supervisors
	p.logger.Info().Int("readers", len(supervisors)).Strs("devices", devices).Msg("starting readers")
	// opened under the lock so a concurrent Close sees every supervisor
	for _, s := range supervisors {
		if err := s.Open(); err != nil {
			p.logger.Error().Err(err).Str("device", s.Device()).Msg("failed to open reader")
		}
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, s := range supervisors {
			s.Wait()
		}
	}()

	select {
	case <-finished:
		p.logger.Info().Msg("all card readers have stopped")
		return nil
	case <-ctx.Done():
		p.Close()
		<-finished
		return ctx.Err()
	}
}

// Close stops every supervisor concurrently and waits for them. It is
// idempotent, and a Run that has not yet opened its supervisors will not
// open them.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	supervisors := p.supervisors
	p.mu.Unlock()

	var wg conc.WaitGroup
	for _, s := range supervisors {
		wg.Go(func() {
			if err := s.Close(); err != nil {
				p.logger.Warn().Err(err).Str("device", s.Device()).Msg("error closing reader")
			}
		})
	}
	wg.Wait()
}

// Readers returns the status of every supervised reader in discovery order.
func (p *Pool) Readers() []ReaderStatus {
	p.mu.Lock()
	supervisors := p.supervisors
	p.mu.Unlock()

	statuses := make([]ReaderStatus, 0, len(supervisors))
	for _, s := range supervisors {
		statuses = append(statuses, ReaderStatus{
			Device: s.Device(),
			State:  s.State().String(),
			PID:    s.PID(),
		})
	}
	return statuses
}

// unique drops repeated ids, keeping the first occurrence.
func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

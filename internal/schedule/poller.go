package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Poll timing defaults.
const (
	DefaultInterval    = 5 * time.Second
	DefaultRepollDelay = 3 * time.Second
)

// ErrNotRunning is returned by Kick when the poller is not started or has
// been stopped.
var ErrNotRunning = errors.New("schedule: poller not running")

// PollFunc performs one fetch. Errors are logged; the schedule continues.
type PollFunc func(ctx context.Context) error

// Config controls a Poller. Zero durations take the defaults.
type Config struct {
	Interval    time.Duration
	RepollDelay time.Duration
	Clock       Clock
	Logger      *slog.Logger
}

// Poller runs poll immediately on Start, then every Interval. Kick schedules
// an extra one-shot poll after RepollDelay; any number may be pending at
// once. Stop cancels the interval and every pending one-shot.
type Poller struct {
	poll   PollFunc
	clock  Clock
	logger *slog.Logger

	interval    time.Duration
	repollDelay time.Duration

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	ticker   Timer
	oneShots map[uint64]Timer
	nextID   uint64
}

// NewPoller creates a stopped Poller.
func NewPoller(poll PollFunc, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.RepollDelay <= 0 {
		cfg.RepollDelay = DefaultRepollDelay
	}

	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Poller{
		poll:        poll,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		interval:    cfg.Interval,
		repollDelay: cfg.RepollDelay,
		oneShots:    make(map[uint64]Timer),
	}
}

// Start polls once synchronously and arms the interval. Starting a running
// poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	pollCtx := p.ctx
	p.mu.Unlock()

	p.logger.Debug("poller started",
		slog.Duration("interval", p.interval),
		slog.Duration("repoll_delay", p.repollDelay),
	)

	p.run(pollCtx, "initial")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		p.armTickerLocked()
	}
}

// armTickerLocked schedules the next interval poll. Each tick re-arms before
// polling so a slow fetch does not stretch the cadence.
func (p *Poller) armTickerLocked() {
	p.ticker = p.clock.AfterFunc(p.interval, func() {
		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return
		}

		p.armTickerLocked()
		pollCtx := p.ctx
		p.mu.Unlock()

		p.run(pollCtx, "interval")
	})
}

// Kick schedules a one-shot poll after the repoll delay.
func (p *Poller) Kick() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrNotRunning
	}

	p.nextID++
	id := p.nextID

	p.oneShots[id] = p.clock.AfterFunc(p.repollDelay, func() {
		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return
		}

		delete(p.oneShots, id)
		pollCtx := p.ctx
		p.mu.Unlock()

		p.run(pollCtx, "repoll")
	})

	return nil
}

// Pending returns the number of one-shot polls not yet fired.
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.oneShots)
}

// Stop cancels the interval, every pending one-shot, and the context of any
// in-flight poll. Safe to call more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	p.running = false

	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}

	for id, t := range p.oneShots {
		t.Stop()
		delete(p.oneShots, id)
	}

	p.cancel()

	p.logger.Debug("poller stopped")
}

func (p *Poller) run(ctx context.Context, trigger string) {
	if err := p.poll(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}

		p.logger.Warn("poll failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}

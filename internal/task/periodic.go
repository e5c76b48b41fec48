// Package task provides armed/disarmed periodic tasks with deterministic teardown.
package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Periodic runs fn on a fixed interval between Start and Stop.
// Stop cancels the context passed to fn and waits for the loop to exit.
type Periodic struct {
	name      string
	interval  time.Duration
	immediate bool
	fn        func(ctx context.Context)
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Periodic.
type Option func(*Periodic)

// Immediate makes the task run fn once right after Start instead of waiting a full interval.
func Immediate() Option {
	return func(p *Periodic) { p.immediate = true }
}

// NewPeriodic creates a stopped periodic task.
func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context), logger *zap.Logger, opts ...Option) *Periodic {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	p := &Periodic{name: name, interval: interval, fn: fn, logger: logger}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start arms the task. It returns false if the task is already running.
func (p *Periodic) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.Debug("task armed", zap.String("task", p.name), zap.Duration("interval", p.interval))
	return true
}

// Stop disarms the task. Safe to call repeatedly and on a task that never started.
// Must not be called from inside fn.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Debug("task disarmed", zap.String("task", p.name))
}

// Running reports whether the task is armed.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Periodic) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	if p.immediate {
		p.fn(ctx)
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			p.fn(ctx)
		}
	}
}

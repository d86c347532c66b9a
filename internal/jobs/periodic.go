// Package jobs holds the registry's background maintenance jobs. Each job runs
// once at start-up and then on its interval until Stop is called or its
// context is cancelled.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/packregistry/packregistry/internal/safego"
)

// periodic drives a run function on a ticker.
type periodic struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

func newPeriodic(name string, interval time.Duration, run func(ctx context.Context)) *periodic {
	return &periodic{
		name:     name,
		interval: interval,
		run:      run,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop in the background. A non-positive interval disables the job.
func (p *periodic) Start(ctx context.Context) {
	if p.interval <= 0 {
		slog.Info("background job disabled", "job", p.name)
		close(p.done)
		return
	}
	slog.Info("background job started", "job", p.name, "interval", p.interval)
	go p.loop(ctx)
}

func (p *periodic) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-p.stopChan:
			slog.Info("background job stopped", "job", p.name)
			return
		case <-ctx.Done():
			slog.Info("background job context cancelled", "job", p.name)
			return
		}
	}
}

// tick runs one pass. A panic is logged and the loop carries on.
func (p *periodic) tick(ctx context.Context) {
	safego.Run(p.name, func() { p.run(ctx) })
}

// Stop signals the loop to exit and waits for the current pass to finish.
// Stop must only be called after Start.
func (p *periodic) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	<-p.done
}

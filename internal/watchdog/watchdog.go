// Package watchdog shuts the server down after a period without requests.
package watchdog

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Clock reports how long the server has gone without a request.
type Clock interface {
	IdleFor(now time.Time) time.Duration
}

// Gate reports whether an operation is in flight.
type Gate interface {
	Busy() bool
}

type Watchdog struct {
	log    *zap.Logger
	clock  Clock
	gate   Gate
	limit  time.Duration
	spec   string
	onIdle func()
	now    func() time.Time
	fired  *atomic.Bool
}

// New returns a watchdog that calls onIdle once when clock has been idle for
// longer than limit. spec is a cron schedule such as "@every 1m".
func New(log *zap.Logger, clock Clock, gate Gate, limit time.Duration, spec string, onIdle func()) *Watchdog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{
		log:    log,
		clock:  clock,
		gate:   gate,
		limit:  limit,
		spec:   spec,
		onIdle: onIdle,
		now:    time.Now,
		fired:  atomic.NewBool(false),
	}
}

// Check runs one tick and reports whether it fired. A busy gate vetoes the
// shutdown.
func (w *Watchdog) Check() bool {
	if w.limit <= 0 || w.fired.Load() {
		return false
	}
	if w.gate != nil && w.gate.Busy() {
		return false
	}
	idle := w.clock.IdleFor(w.now())
	if idle <= w.limit {
		return false
	}
	if !w.fired.CompareAndSwap(false, true) {
		return false
	}
	w.log.Info("Server idle, shutting down", zap.Duration("idle", idle), zap.Duration("limit", w.limit))
	w.onIdle()
	return true
}

// Run schedules Check until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(w.spec, func() { w.Check() }); err != nil {
		return errors.Wrapf(err, "invalid idle check schedule %q", w.spec)
	}
	c.Start()
	w.log.Info("Idle watchdog started", zap.String("schedule", w.spec), zap.Duration("limit", w.limit))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

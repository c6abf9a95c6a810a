// Package gate serializes state-mutating operations. At most one operation
// holds the gate; an identical concurrent call waits for it and shares its
// result, and any other call is rejected with AtomicConflict.
package gate

import (
	"context"
	"strings"
	"sync"

	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/nmxmxh/portal-engine/pkg/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Outcome is the result of a successful TryEnter.
type Outcome int

const (
	// Admitted means the caller now holds the gate and must call Exit.
	Admitted Outcome = iota
	// Duplicate means an identical operation is in flight; wait for it.
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "admitted"
}

// Result is what an operation left behind for callers that coalesced onto it.
type Result struct {
	OpID  string
	Value interface{}
	Err   error
}

// flight is one admitted operation. Duplicates of it wait on done and read
// result, which is only written before done is closed.
type flight struct {
	opID     string
	done     chan struct{}
	result   Result
	captured bool
	waiters  int
}

// Gate is the admission state shared by every atomic operation.
type Gate struct {
	log *zap.Logger

	mu       sync.Mutex
	cur      *flight
	captured map[string]Result

	stop atomic.Bool
}

// New returns an idle gate.
func New(log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		log:      log,
		captured: make(map[string]Result),
	}
}

// TryEnter admits opID if the gate is idle. A call with the opID already in
// flight gets Duplicate; any other opID fails with AtomicConflict.
func (g *Gate) TryEnter(opID string) (Outcome, error) {
	_, outcome, err := g.enter(opID)
	return outcome, err
}

func (g *Gate) enter(opID string) (*flight, Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.cur == nil:
		g.cur = &flight{opID: opID, done: make(chan struct{})}
		g.stop.Store(false)
		metrics.GateAdmissions.WithLabelValues("admitted").Inc()
		metrics.GateBusy.Set(1)
		g.log.Debug("gate admitted", zap.String("op_id", opID))
		return g.cur, Admitted, nil
	case g.cur.opID == opID:
		g.cur.waiters++
		metrics.GateAdmissions.WithLabelValues("duplicate").Inc()
		g.log.Debug("gate duplicate", zap.String("op_id", opID), zap.Int("waiters", g.cur.waiters))
		return g.cur, Duplicate, nil
	default:
		metrics.GateAdmissions.WithLabelValues("conflict").Inc()
		g.log.Info("gate conflict", zap.String("op_id", opID), zap.String("in_flight", g.cur.opID))
		return nil, 0, graceful.Newf(graceful.AtomicConflict,
			"another operation is in progress (%s)", operationName(g.cur.opID))
	}
}

// Exit releases the gate held by opID. Exiting with an opID that does not
// hold the gate is a no-op, so a rejected caller can never release someone
// else's operation.
func (g *Gate) Exit(opID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil || g.cur.opID != opID {
		return
	}
	close(g.cur.done)
	g.cur = nil
	g.stop.Store(false)
	metrics.GateBusy.Set(0)
	g.log.Debug("gate released", zap.String("op_id", opID))
}

// Wait blocks until the operation in flight now has exited, or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	f := g.cur
	g.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.wait(ctx)
}

func (f *flight) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Capture records the outcome of an operation under its name. When opID is
// the operation in flight, its duplicates receive this outcome.
func (g *Gate) Capture(name, opID string, value interface{}, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := Result{OpID: opID, Value: value, Err: err}
	g.captured[name] = r
	if g.cur != nil && g.cur.opID == opID {
		g.cur.result = r
		g.cur.captured = true
	}
}

// Captured returns the most recent result recorded under a name starting
// with prefix.
func (g *Gate) Captured(prefix string) (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.captured[prefix]; ok {
		return r, true
	}
	for name, r := range g.captured {
		if strings.HasPrefix(name, prefix) {
			return r, true
		}
	}
	return Result{}, false
}

// Busy reports whether an operation holds the gate.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur != nil
}

// Current returns the in-flight opID, or "" when idle.
func (g *Gate) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil {
		return ""
	}
	return g.cur.opID
}

// RequestStop raises the stop flag if the in-flight operation's id starts
// with prefix. It reports whether the flag was raised.
func (g *Gate) RequestStop(prefix string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil || !strings.HasPrefix(g.cur.opID, prefix) {
		return false
	}
	g.stop.Store(true)
	g.log.Info("stop requested", zap.String("op_id", g.cur.opID))
	return true
}

// Stopped reports whether the in-flight operation has been asked to stop.
func (g *Gate) Stopped() bool {
	return g.stop.Load()
}

// Run executes fn under the gate.
//
// An admitted call runs fn, captures its outcome under name and releases the
// gate whatever the result. A duplicate call waits for the first call and
// returns the outcome of that same flight instead of running fn. A
// conflicting call returns AtomicConflict and leaves the gate untouched.
func (g *Gate) Run(ctx context.Context, name, opID string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	f, outcome, err := g.enter(opID)
	if err != nil {
		return nil, err
	}
	if outcome == Duplicate {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
		if !f.captured {
			return nil, graceful.Newf(graceful.FailedCaughtResponse, "no captured result for %s", name)
		}
		return f.result.Value, f.result.Err
	}

	defer g.Exit(opID)
	value, err := g.call(ctx, fn)
	g.Capture(name, opID, value, err)
	return value, err
}

func (g *Gate) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = graceful.Recover(graceful.Unknown, r)
		}
	}()
	return fn(ctx)
}

// Operation names. An op id is the name, an underscore, and the
// concatenated parameters that make two calls identical.
const (
	OpRegister     = "register_model"
	OpDeregister   = "deregister_model"
	OpLoad         = "load_model"
	OpUnload       = "unload_model"
	OpPredictImage = "predict_single_image"
	OpPredictVideo = "predict_video"
)

var operations = []string{OpRegister, OpDeregister, OpLoad, OpUnload, OpPredictImage, OpPredictVideo}

// OpID builds the op id for name and its parameters.
func OpID(name string, params ...string) string {
	return name + "_" + strings.Join(params, "")
}

func operationName(opID string) string {
	for _, name := range operations {
		if strings.HasPrefix(opID, name+"_") {
			return name
		}
	}
	return opID
}

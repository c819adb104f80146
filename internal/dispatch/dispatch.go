// Package dispatch executes the batch of tool invocations requested by
// one reasoning turn: resolution through the catalog, bounded
// concurrency, per-call timeouts, and the failure policy that turns
// every error into data the model can react to.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cobaltforge/relay/internal/catalog"
)

// Defaults applied when Config fields are zero.
const (
	defaultMaxInFlight = 4
	defaultCallTimeout = 60 * time.Second
)

// Call is one requested tool invocation. Name is the qualified catalog
// name; ID is the correlation token carried back on the Result.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is the outcome of one Call. Exactly one Result is produced
// per Call, at the same position in the batch. Failures of any kind —
// unknown tool, timeout, lost connection, tool-reported error,
// cancellation — set OK false and a human-readable Error; Execute
// itself never fails.
type Result struct {
	ID     string
	Name   string
	OK     bool
	Output string
	Error  string
}

// Config tunes a Dispatcher.
type Config struct {
	// MaxInFlight bounds how many invocations of one batch run
	// concurrently. Zero means defaultMaxInFlight.
	MaxInFlight int

	// CallTimeout is the per-invocation deadline. Zero means
	// defaultCallTimeout.
	CallTimeout time.Duration

	// Logger is the structured logger. slog.Default() if nil.
	Logger *slog.Logger
}

// Dispatcher executes tool-call batches against the current catalog
// snapshot.
type Dispatcher struct {
	catalogs    *catalog.Holder
	maxInFlight int
	callTimeout time.Duration
	logger      *slog.Logger
}

// New creates a dispatcher reading catalog snapshots from h.
func New(h *catalog.Holder, cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Dispatcher{
		catalogs:    h,
		maxInFlight: maxInFlight,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Execute runs every call in the batch and returns exactly one result
// per call, positionally aligned with the input regardless of
// completion order. Calls run concurrently up to MaxInFlight; a slow
// or failing call never blocks or cancels its siblings. If ctx is
// cancelled mid-batch, calls that have not completed resolve as
// "cancelled" without blocking the caller on slow servers.
func (d *Dispatcher) Execute(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	// One snapshot for the whole batch, so every call in the turn sees
	// the same directory even if the topology changes mid-flight.
	cat := d.catalogs.Current()

	var g errgroup.Group
	g.SetLimit(d.maxInFlight)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = d.dispatch(ctx, cat, call)
			return nil
		})
	}
	_ = g.Wait() // dispatch never returns an error

	return results
}

// dispatch runs one call and normalizes its outcome.
func (d *Dispatcher) dispatch(ctx context.Context, cat *catalog.Catalog, call Call) Result {
	res := Result{ID: call.ID, Name: call.Name}

	if ctx.Err() != nil {
		res.Error = "cancelled"
		return res
	}

	conn, entry, err := cat.Resolve(call.Name)
	if err != nil {
		// Unknown tool: fail without contacting any server.
		d.logger.Warn("tool call rejected", "tool", call.Name, "error", err)
		res.Error = err.Error()
		return res
	}

	start := time.Now()
	d.logger.Debug("tool call started",
		"tool", call.Name,
		"server", entry.Server,
		"call_id", call.ID,
	)

	out, err := conn.Invoke(ctx, entry.Def.Name, call.Args, d.callTimeout)
	if err != nil {
		if ctx.Err() != nil {
			res.Error = "cancelled"
			return res
		}
		d.logger.Warn("tool call failed",
			"tool", call.Name,
			"server", entry.Server,
			"error", err,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		res.Error = err.Error()
		return res
	}

	d.logger.Debug("tool call done",
		"tool", call.Name,
		"server", entry.Server,
		"result_len", len(out),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	res.OK = true
	res.Output = out
	return res
}

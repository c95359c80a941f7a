// Package dispatch runs one inbound request against the key pool.
//
// Dispatch claims the least-recently-used key, calls the backend and, on a
// quota failure, cools the key down and tries the next one after a short
// delay. Every key is tried at most once per request. Any other failure ends
// the request immediately. Streaming responses are handed back undrained;
// Relay forwards them to the client and runs the success path once the
// sequence completes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/keypool-gateway/internal/backend"
	"github.com/nulpointcorp/keypool-gateway/internal/events"
	"github.com/nulpointcorp/keypool-gateway/internal/keypool"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
)

// DefaultRetryDelay is the pause between a quota failure and the next key.
const DefaultRetryDelay = 200 * time.Millisecond

// ExhaustedMessage is the client-facing text for ErrExhausted.
const ExhaustedMessage = "All keys are currently exhausted or in cooldown. Please wait."

var (
	ErrExhausted         = errors.New("dispatch: no eligible key")
	ErrStreamInterrupted = errors.New("dispatch: stream interrupted")
)

// ExhaustedError is returned when no key is left to try. It matches
// ErrExhausted and unwraps to the last quota failure, if any.
type ExhaustedError struct {
	Tried      int
	RetryAfter time.Duration
	Last       error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("dispatch: all keys exhausted after %d attempt(s): %v", e.Tried, e.Last)
	}
	return "dispatch: all keys exhausted"
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// HardError is a non-quota failure. Its message is the backend's, unchanged.
type HardError struct {
	Key string // masked
	Err error
}

func (e *HardError) Error() string { return e.Err.Error() }

func (e *HardError) Unwrap() error { return e.Err }

// InterruptedError is a backend failure after the first streamed fragment.
// It matches ErrStreamInterrupted.
type InterruptedError struct {
	Fragments int
	Err       error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("dispatch: stream interrupted after %d fragment(s): %v", e.Fragments, e.Err)
}

func (e *InterruptedError) Is(target error) bool { return target == ErrStreamInterrupted }

func (e *InterruptedError) Unwrap() error { return e.Err }

// Recorder is the stats collaborator.
type Recorder interface {
	RecordOutcome(keyID, model string, success bool)
}

// Options configures a Dispatcher. Zero values select defaults; nil
// collaborators are skipped.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Stats   Recorder
	Events  events.Publisher

	RetryDelay time.Duration
	// Timeout bounds each non-streaming backend call. Zero disables it.
	Timeout time.Duration

	// Sleep replaces the retry wait, used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Dispatcher struct {
	pool    *keypool.Pool
	backend backend.Backend

	log     *slog.Logger
	metrics *metrics.Registry
	stats   Recorder
	events  events.Publisher

	retryDelay time.Duration
	timeout    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(pool *keypool.Pool, b backend.Backend, opts Options) *Dispatcher {
	d := &Dispatcher{
		pool:       pool,
		backend:    b,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		stats:      opts.Stats,
		events:     opts.Events,
		retryDelay: opts.RetryDelay,
		timeout:    opts.Timeout,
		sleep:      opts.Sleep,
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.events == nil {
		d.events = events.Discard
	}
	if d.retryDelay <= 0 {
		d.retryDelay = DefaultRetryDelay
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	return d
}

// Result is a successful dispatch. For streaming requests the response is
// still undrained and must be passed to Relay, or released with Close.
type Result struct {
	Response *backend.Response
	Key      keypool.Record
	Attempts int

	model  string
	cancel context.CancelFunc
}

// Close cancels the backend producer of a streaming result. It is safe to
// call more than once and on non-streaming results.
func (r *Result) Close() {
	if r != nil && r.cancel != nil {
		r.cancel()
	}
}

// Dispatch runs the selection/retry loop for req.
func (d *Dispatcher) Dispatch(ctx context.Context, req *backend.Request) (*Result, error) {
	excluded := make(map[string]struct{})
	var lastErr error

	for attempt := 1; ; attempt++ {
		rec, ok := d.pool.Acquire(excluded)
		if !ok {
			return nil, d.exhausted(ctx, req, attempt-1, lastErr)
		}
		d.observePool()

		masked := rec.Masked()
		d.events.Publish(events.Log(events.LevelInfo, fmt.Sprintf("[%s] -> Attempting Key: %s", req.Model, masked)))
		d.log.DebugContext(ctx, "dispatch_attempt",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("key", masked),
			slog.Int("attempt", attempt),
			slog.Bool("stream", req.Stream),
		)

		start := time.Now()
		resp, cancel, err := d.invoke(ctx, rec.Secret, req)
		dur := time.Since(start)

		if err == nil {
			d.observeAttempt("success", dur)
			res := &Result{Response: resp, Key: rec, Attempts: attempt, model: req.Model, cancel: cancel}
			if !resp.IsStream() {
				cancel()
				if d.metrics != nil {
					d.metrics.AddTokens(d.backend.Name(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
				}
				d.succeed(ctx, rec, req.Model, "Request Success.")
			}
			return res, nil
		}
		cancel()
		d.observeAttempt(backend.Classify(err), dur)

		if !backend.IsQuota(err) {
			d.fail(ctx, rec, req, err)
			return nil, &HardError{Key: masked, Err: err}
		}

		d.pool.MarkCooldown(rec.Secret)
		excluded[rec.Secret] = struct{}{}
		lastErr = err
		d.recordOutcome(rec, req.Model, false)
		if d.metrics != nil {
			d.metrics.RecordCooldown()
		}
		d.observePool()

		total := d.pool.Len()
		d.events.Publish(events.Log(events.LevelError, fmt.Sprintf("Rate Limit Hit (%d/%d)", len(excluded), total)))
		d.events.Publish(events.Stats(d.pool.Snapshot()))
		d.log.WarnContext(ctx, "key_cooldown",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("key", masked),
			slog.Int("tried", len(excluded)),
			slog.Int("pool_size", total),
			slog.String("error", err.Error()),
		)

		if d.pool.Covers(excluded) {
			return nil, d.exhausted(ctx, req, attempt, lastErr)
		}

		if d.metrics != nil {
			d.metrics.RecordRetry()
		}
		if err := d.sleep(ctx, d.retryDelay); err != nil {
			return nil, err
		}
	}
}

// invoke performs one backend call. The returned cancel releases the call's
// context; for streams it must outlive Dispatch and is owned by the Result.
func (d *Dispatcher) invoke(ctx context.Context, secret string, req *backend.Request) (*backend.Response, context.CancelFunc, error) {
	var callCtx context.Context
	var cancel context.CancelFunc
	if !req.Stream && d.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	resp, err := d.backend.Invoke(callCtx, secret, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("%s: empty response", d.backend.Name())
	}
	return resp, cancel, err
}

func (d *Dispatcher) exhausted(ctx context.Context, req *backend.Request, tried int, last error) error {
	err := &ExhaustedError{Tried: tried, RetryAfter: d.pool.NextAvailableIn(), Last: last}
	if d.metrics != nil {
		d.metrics.RecordDispatch("exhausted")
	}
	d.log.WarnContext(ctx, "keys_exhausted",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.Int("tried", tried),
		slog.Duration("retry_after", err.RetryAfter),
	)
	return err
}

// succeed is the success path shared by complete and streamed responses.
func (d *Dispatcher) succeed(ctx context.Context, rec keypool.Record, model, msg string) {
	d.pool.RecordSuccess(rec.Secret)
	d.recordOutcome(rec, model, true)
	if d.metrics != nil {
		d.metrics.RecordDispatch("success")
	}
	d.events.Publish(events.Traffic())
	d.events.Publish(events.Log(events.LevelSuccess, msg))
	d.events.Publish(events.Stats(d.pool.Snapshot()))
	d.log.InfoContext(ctx, "dispatch_success",
		slog.String("model", model),
		slog.String("key", rec.Masked()),
	)
}

func (d *Dispatcher) fail(ctx context.Context, rec keypool.Record, req *backend.Request, err error) {
	d.recordOutcome(rec, req.Model, false)
	if d.metrics != nil {
		d.metrics.RecordDispatch("hard_failure")
	}
	d.events.Publish(events.Log(events.LevelError, backend.MessageOf(err)))
	d.log.ErrorContext(ctx, "dispatch_failed",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.String("key", rec.Masked()),
		slog.String("error", err.Error()),
	)
}

func (d *Dispatcher) recordOutcome(rec keypool.Record, model string, success bool) {
	if d.stats != nil {
		d.stats.RecordOutcome(rec.ID(), model, success)
	}
}

func (d *Dispatcher) observeAttempt(outcome string, dur time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveUpstreamAttempt(d.backend.Name(), outcome, dur)
	}
}

func (d *Dispatcher) observePool() {
	if d.metrics != nil {
		d.metrics.SetKeyCounts(d.pool.Counts())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

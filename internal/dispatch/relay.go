package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nulpointcorp/keypool-gateway/internal/backend"
	"github.com/nulpointcorp/keypool-gateway/internal/events"
)

// Sink receives the text of a streaming response.
type Sink interface {
	// Send forwards one fragment. An error means the client is gone.
	Send(text string) error
	// Finish writes the end-of-stream marker.
	Finish() error
}

// Outcome is how a relayed stream ended.
type Outcome int

const (
	// Completed: every fragment was forwarded and the marker written.
	Completed Outcome = iota
	// Disconnected: the client went away; the producer was stopped.
	Disconnected
	// Interrupted: the backend failed after the first fragment.
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Disconnected:
		return "disconnected"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Relay drains a streaming Result into sink. Empty and undecodable fragments
// are skipped. The key's success path runs once, after the sequence ended
// normally. A client disconnect is neither a success nor a failure. A backend
// failure mid-stream is recorded as a failure and never retried: the response
// status is already committed. Only a quota failure cools the key down.
func (d *Dispatcher) Relay(ctx context.Context, res *Result, sink Sink) (Outcome, error) {
	defer res.Close()

	if !res.Response.IsStream() {
		return Completed, errors.New("dispatch: relay of a non-streaming result")
	}

	sent := 0
	for {
		var (
			chunk backend.Chunk
			open  bool
		)
		select {
		case <-ctx.Done():
			d.streamOutcome(Disconnected)
			return Disconnected, ctx.Err()
		case chunk, open = <-res.Response.Stream:
		}

		if !open {
			if err := sink.Finish(); err != nil {
				d.log.DebugContext(ctx, "stream_finish_failed",
					slog.String("key", res.Key.Masked()),
					slog.String("error", err.Error()),
				)
			}
			d.succeed(ctx, res.Key, res.model, "Stream Success.")
			d.streamOutcome(Completed)
			return Completed, nil
		}

		if chunk.Err != nil {
			if errors.Is(chunk.Err, backend.ErrUndecodable) {
				if d.metrics != nil {
					d.metrics.RecordSkippedFragment()
				}
				d.log.DebugContext(ctx, "stream_fragment_skipped",
					slog.String("key", res.Key.Masked()),
					slog.String("reason", chunk.Err.Error()),
				)
				continue
			}

			d.recordOutcome(res.Key, res.model, false)
			if d.metrics != nil {
				d.metrics.RecordDispatch("stream_interrupted")
			}
			quota := backend.IsQuota(chunk.Err)
			if quota {
				d.pool.MarkCooldown(res.Key.Secret)
				if d.metrics != nil {
					d.metrics.RecordCooldown()
				}
				d.observePool()
				d.events.Publish(events.Stats(d.pool.Snapshot()))
			}
			d.streamOutcome(Interrupted)
			d.events.Publish(events.Log(events.LevelError, backend.MessageOf(chunk.Err)))
			d.log.ErrorContext(ctx, "stream_interrupted",
				slog.String("model", res.model),
				slog.String("key", res.Key.Masked()),
				slog.Int("fragments", sent),
				slog.Bool("quota", quota),
				slog.String("error", chunk.Err.Error()),
			)
			return Interrupted, &InterruptedError{Fragments: sent, Err: chunk.Err}
		}

		if chunk.Text == "" {
			continue
		}
		if err := sink.Send(chunk.Text); err != nil {
			d.streamOutcome(Disconnected)
			d.log.DebugContext(ctx, "stream_client_gone",
				slog.String("key", res.Key.Masked()),
				slog.Int("fragments", sent),
				slog.String("error", err.Error()),
			)
			return Disconnected, err
		}
		sent++
	}
}

func (d *Dispatcher) streamOutcome(o Outcome) {
	if d.metrics != nil {
		d.metrics.RecordStreamOutcome(o.String())
	}
}

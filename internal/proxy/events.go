package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keypool-gateway/internal/events"
	"github.com/nulpointcorp/keypool-gateway/pkg/apierr"
)

const eventBuffer = 256

// handleEvents serves GET /api/events, the dashboard feed. Each
// notification is one SSE event named after its type. A comment line is
// written every keep-alive interval so idle proxies keep the connection.
func (g *Gateway) handleEvents(ctx *fasthttp.RequestCtx) {
	if g.hub == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "event feed is disabled", apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}

	sub, cancel := g.hub.Subscribe(eventBuffer)
	initial := events.Stats(g.pool.Snapshot())

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		if err := writeEvent(w, initial); err != nil {
			return
		}

		ticker := time.NewTicker(g.keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-g.baseCtx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					g.log.Debug("event_subscriber_gone", slog.String("error", err.Error()))
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
}

// eventPayload is the data carried on the wire for each event type.
func eventPayload(ev events.Event) any {
	switch ev.Type {
	case events.TypeLog:
		return ev.Log
	case events.TypeStats:
		return ev.Keys
	default:
		return map[string]time.Time{"at": ev.At}
	}
}

func writeEvent(w *bufio.Writer, ev events.Event) error {
	data, err := json.Marshal(eventPayload(ev))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return w.Flush()
}

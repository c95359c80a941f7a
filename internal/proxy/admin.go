package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keypool-gateway/internal/events"
	"github.com/nulpointcorp/keypool-gateway/internal/keypool"
	"github.com/nulpointcorp/keypool-gateway/pkg/apierr"
)

// modelCreated is the fixed creation time reported for every model.
const modelCreated = 1677610602

const invalidKeyMessage = "Invalid key or key already exists."

type (
	modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}

	addKeyRequest struct {
		Key string `json:"key"`
	}
)

// handleModels serves GET /v1/models from the discovered catalog.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	ids := g.catalog.Models()
	out := modelList{Object: "list", Data: make([]modelEntry, len(ids))}
	for i, id := range ids {
		out.Data[i] = modelEntry{ID: id, Object: "model", Created: modelCreated, OwnedBy: g.ownedBy}
	}
	writeJSON(ctx, out)
}

// handleListKeys serves GET /api/keys. Secrets are masked.
func (g *Gateway) handleListKeys(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.pool.Snapshot())
}

// handleAddKey serves POST /api/keys.
func (g *Gateway) handleAddKey(ctx *fasthttp.RequestCtx) {
	var req addKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": invalidKeyMessage})
		return
	}

	err := g.pool.Add(ctx, req.Key)
	switch {
	case errors.Is(err, keypool.ErrInvalidKey), errors.Is(err, keypool.ErrDuplicateKey):
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": invalidKeyMessage})
		return
	case err != nil:
		// The key is in the pool; only the durable list is behind.
		g.log.ErrorContext(ctx, "key_persist_failed",
			slog.String("key", keypool.Mask(req.Key)),
			slog.String("error", err.Error()),
		)
	default:
		g.log.InfoContext(ctx, "key_added", slog.String("key", keypool.Mask(req.Key)))
	}

	if g.metrics != nil {
		g.metrics.SetKeyCounts(g.pool.Counts())
	}
	g.publish(events.Stats(g.pool.Snapshot()))
	writeJSON(ctx, map[string]bool{"success": true})
}

// handleConfigTemplate serves GET /api/config-template: the model list,
// discovered on demand when still empty.
func (g *Gateway) handleConfigTemplate(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, nonNil(g.catalog.Ensure(ctx)))
}

// handleRefreshModels serves POST /api/refresh-models.
func (g *Gateway) handleRefreshModels(ctx *fasthttp.RequestCtx) {
	list, err := g.catalog.Refresh(ctx)
	if err != nil {
		g.log.WarnContext(ctx, "refresh_models_failed", slog.String("error", err.Error()))
	}
	g.publish(events.Stats(g.pool.Snapshot()))
	writeJSON(ctx, nonNil(list))
}

// handleStats serves GET /api/stats.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	if g.stats == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "stats are disabled", apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}
	writeJSON(ctx, g.stats.Snapshot())
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keypool-gateway/internal/backend"
	"github.com/nulpointcorp/keypool-gateway/internal/dispatch"
	"github.com/nulpointcorp/keypool-gateway/pkg/apierr"
)

type (
	// messageContent accepts both a plain string and the array-of-parts
	// form; text parts are concatenated.
	messageContent string

	inboundMessage struct {
		Role    string         `json:"role"`
		Content messageContent `json:"content"`
	}
	inboundRequest struct {
		Model               string           `json:"model"`
		Messages            []inboundMessage `json:"messages"`
		Stream              bool             `json:"stream"`
		Temperature         *float64         `json:"temperature"`
		MaxTokens           *int             `json:"max_tokens"`
		MaxCompletionTokens *int             `json:"max_completion_tokens"`
		TopP                *float64         `json:"top_p"`
		TopK                *int             `json:"top_k"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}

	chunkDelta struct {
		Content string `json:"content,omitempty"`
	}
	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}
	outboundChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}
)

func (c *messageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = messageContent(s)
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts")
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	*c = messageContent(sb.String())
	return nil
}

var proxyPrefix = regexp.MustCompile(`^Proxy:\s*`)

// normalizeModel strips the "models/" resource prefix and the "Proxy: "
// display prefix some clients add to model names.
func normalizeModel(model string) string {
	model = strings.Replace(model, "models/", "", 1)
	return strings.TrimSpace(proxyPrefix.ReplaceAllString(model, ""))
}

func (r *inboundRequest) toBackend(reqID string) *backend.Request {
	msgs := make([]backend.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = backend.Message{Role: m.Role, Content: string(m.Content)}
	}
	maxTokens := r.MaxTokens
	if maxTokens == nil {
		maxTokens = r.MaxCompletionTokens
	}
	return &backend.Request{
		Model:    normalizeModel(r.Model),
		Messages: msgs,
		Stream:   r.Stream,
		Params: backend.GenerationParams{
			Temperature: r.Temperature,
			MaxTokens:   maxTokens,
			TopP:        r.TopP,
			TopK:        r.TopK,
		},
		RequestID: reqID,
	}
}

// handleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	const route = "chat_completions"
	reqBytes := len(ctx.PostBody())
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body.
	var in inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteInvalidRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if in.Model == "" {
		apierr.WriteInvalidRequest(ctx, "field 'model' is required")
		return
	}
	if len(in.Messages) == 0 {
		apierr.WriteInvalidRequest(ctx, "field 'messages' must not be empty")
		return
	}
	req := in.toBackend(reqID)
	if req.Model == "" {
		apierr.WriteInvalidRequest(ctx, "field 'model' is required")
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
		slog.Int("messages", len(req.Messages)),
	)

	// 2. Inbound RPM guard.
	if !g.admit(ctx, reqID) {
		return
	}

	// 3. Dispatch. Streams outlive the handler, so they run under the
	// gateway context instead of the request.
	var dctx context.Context = ctx
	if req.Stream {
		dctx = g.baseCtx
	}
	res, err := g.dispatcher.Dispatch(dctx, req)
	if err != nil {
		g.writeDispatchError(ctx, reqID, err)
		return
	}

	// 4a. Streaming.
	if res.Response.IsStream() {
		streaming = true
		g.writeSSE(ctx, res, reqID, req.Model, func(out dispatch.Outcome) {
			g.log.DebugContext(g.baseCtx, "stream_done",
				slog.String("request_id", reqID),
				slog.String("outcome", out.String()),
				slog.Int("attempts", res.Attempts),
				slog.Duration("elapsed", time.Since(start)),
			)
			if g.metrics != nil {
				// End-to-end duration is measured until stream drain.
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start), reqBytes)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	// 4b. Complete response.
	resp := res.Response
	out := outboundResponse{
		ID:      reqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Text},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("key", res.Key.Masked()),
		slog.Int("attempts", res.Attempts),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// admit applies the inbound RPM guard and writes the 429 itself.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, reqID string) bool {
	if g.limiter == nil {
		return true
	}
	d := g.limiter.Allow(ctx)
	if g.metrics != nil {
		switch {
		case d.Degraded:
			g.metrics.RecordRateLimit("error")
		case d.Allowed:
			g.metrics.RecordRateLimit("allowed")
		default:
			g.metrics.RecordRateLimit("blocked")
		}
	}
	if d.Allowed {
		return true
	}
	g.log.WarnContext(ctx, "rate_limit_exceeded",
		slog.String("request_id", reqID),
		slog.Int("limit", g.limiter.Limit()),
	)
	apierr.WriteRateLimit(ctx, d.RetryAfter)
	return false
}

// writeDispatchError maps dispatcher failures to HTTP responses.
//
//	Exhausted  → 429 + Retry-After
//	HardError  → backend status mapping, message verbatim
//	canceled   → 503
//	other      → 500
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, reqID string, err error) {
	var ex *dispatch.ExhaustedError
	if errors.As(err, &ex) {
		apierr.WriteExhausted(ctx, dispatch.ExhaustedMessage, ex.RetryAfter)
		return
	}
	if errors.Is(err, context.Canceled) {
		g.log.WarnContext(ctx, "dispatch_canceled", slog.String("request_id", reqID))
		apierr.WriteUnavailable(ctx)
		return
	}

	g.log.ErrorContext(ctx, "backend_error",
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
	)

	var hard *dispatch.HardError
	if errors.As(err, &hard) {
		apierr.WriteBackendError(ctx, hard.Err, backend.MessageOf(hard.Err))
		return
	}
	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
}

// writeSSE relays a streaming result as chat.completion.chunk events. onDone
// runs once the relay ends, whatever the outcome.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, res *dispatch.Result, id, model string, onDone func(dispatch.Outcome)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		out := dispatch.Disconnected
		defer func() {
			if r := recover(); r != nil {
				res.Close()
				g.log.Error("stream_writer_panic", slog.Any("panic", r), slog.String("request_id", id))
			}
			if onDone != nil {
				onDone(out)
			}
		}()

		sink := &chunkSink{w: w, id: id, model: model, created: time.Now().Unix()}
		var err error
		out, err = g.dispatcher.Relay(g.baseCtx, res, sink)
		var ie *dispatch.InterruptedError
		if errors.As(err, &ie) {
			sink.writeError(backend.MessageOf(ie.Err))
		}
	})
}

// chunkSink writes OpenAI-style stream chunks.
type chunkSink struct {
	w       *bufio.Writer
	id      string
	model   string
	created int64
}

func (s *chunkSink) Send(text string) error {
	return s.write(chunkDelta{Content: text}, nil)
}

// Finish writes a final chunk carrying finish_reason, then the [DONE] marker.
func (s *chunkSink) Finish() error {
	stop := "stop"
	if err := s.write(chunkDelta{}, &stop); err != nil {
		return err
	}
	if _, err := s.w.WriteString("data: [DONE]\n\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *chunkSink) write(delta chunkDelta, finish *string) error {
	data, err := json.Marshal(outboundChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.w.Flush()
}

// writeError reports a mid-stream failure in-band. No [DONE] follows.
func (s *chunkSink) writeError(msg string) {
	data, _ := json.Marshal(map[string]any{
		"error": apierr.APIError{
			Message: msg,
			Type:    apierr.TypeBackendError,
			Code:    "stream_interrupted",
		},
	})
	_, _ = fmt.Fprintf(s.w, "data: %s\n\n", data)
	_ = s.w.Flush()
}

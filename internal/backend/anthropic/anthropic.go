// Package anthropic implements backend.Backend for the Anthropic Messages
// API (official SDK).
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/keypool-gateway/internal/backend"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	backendName      = "anthropic"
	defaultMaxTokens = 4096

	stopRefusal = "refusal"
)

type Backend struct {
	baseURL string
	client  anthropic.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(b *Backend) {
		if url != "" {
			b.baseURL = url
		}
	}
}

// New creates an Anthropic backend. Keys are supplied per call.
func New(opts ...Option) *Backend {
	b := &Backend{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(b)
	}

	b.client = anthropic.NewClient(
		option.WithBaseURL(b.baseURL),
		option.WithHTTPClient(&http.Client{}),
		option.WithMaxRetries(0),
	)
	return b
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) Invoke(ctx context.Context, secret string, req *backend.Request) (*backend.Response, error) {
	if secret == "" {
		return nil, fmt.Errorf("anthropic: no API key given")
	}
	params := buildParams(req)
	opts := []option.RequestOption{option.WithAPIKey(secret)}

	if req.Stream {
		return b.handleStreaming(ctx, req, params, opts...)
	}
	return b.handleResponse(ctx, params, opts...)
}

func (b *Backend) ListModels(ctx context.Context, secret string) ([]backend.ModelInfo, error) {
	if secret == "" {
		return nil, fmt.Errorf("anthropic: no API key given")
	}
	page, err := b.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(100)}, option.WithAPIKey(secret))
	if err != nil {
		return nil, fmt.Errorf("anthropic: list models: %w", toBackendError(err))
	}
	out := make([]backend.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, backend.ModelInfo{ID: m.ID, DisplayName: m.DisplayName})
	}
	return out, nil
}

func buildParams(req *backend.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	p := req.Params
	maxTokens := defaultMaxTokens
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		maxTokens = *p.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if p.Temperature != nil {
		params.Temperature = anthropic.Float(*p.Temperature)
	}
	if p.TopP != nil {
		params.TopP = anthropic.Float(*p.TopP)
	}
	if p.TopK != nil {
		params.TopK = anthropic.Int(int64(*p.TopK))
	}
	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	switch strings.ToLower(role) {
	case "assistant", "model":
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func (b *Backend) handleResponse(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*backend.Response, error) {
	msg, err := b.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toBackendError(err)
	}

	var sb strings.Builder
	for _, blk := range msg.Content {
		if v, ok := blk.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}
	if sb.Len() == 0 && string(msg.StopReason) == stopRefusal {
		return nil, &backend.Error{
			Backend:    backendName,
			StatusCode: http.StatusBadRequest,
			Status:     "BLOCKED",
			Message:    "response blocked: " + stopRefusal,
		}
	}

	return &backend.Response{
		ID:    msg.ID,
		Model: string(msg.Model),
		Text:  sb.String(),
		Usage: backend.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (b *Backend) handleStreaming(
	ctx context.Context,
	req *backend.Request,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*backend.Response, error) {
	ch, err := backend.StartStream(ctx, func(ctx context.Context, emit func(backend.Chunk) bool) error {
		stream := b.client.Messages.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		for stream.Next() {
			var out backend.Chunk
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				d, ok := ev.Delta.AsAny().(anthropic.TextDelta)
				if !ok || d.Text == "" {
					continue
				}
				out.Text = d.Text
			case anthropic.MessageDeltaEvent:
				if string(ev.Delta.StopReason) != stopRefusal {
					continue
				}
				out.Err = fmt.Errorf("%w: %s", backend.ErrUndecodable, stopRefusal)
			default:
				continue
			}
			if !emit(out) {
				return ctx.Err()
			}
		}
		if err := stream.Err(); err != nil {
			return toBackendError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &backend.Response{ID: req.RequestID, Model: req.Model, Stream: ch}, nil
}

func toBackendError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &backend.Error{
			Backend:    backendName,
			StatusCode: apierr.StatusCode,
			Status:     "anthropic_error",
			Message:    apierr.Error(),
			Err:        err,
		}
	}
	return err
}

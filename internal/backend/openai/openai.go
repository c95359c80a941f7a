// Package openai implements backend.Backend for OpenAI and any service that
// speaks the OpenAI chat-completions protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/keypool-gateway/internal/backend"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	backendName    = "openai"

	finishContentFilter = "content_filter"
)

// Backend sends every call with the key chosen by the dispatcher. The SDK's
// own retries are disabled; retrying is the dispatcher's job.
type Backend struct {
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Backend)

func WithBaseURL(u string) Option {
	return func(b *Backend) {
		if u != "" {
			b.baseURL = u
		}
	}
}

func New(opts ...Option) *Backend {
	b := &Backend{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(b)
	}

	httpClient := &http.Client{}
	if b.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, b.baseURL)
	}

	b.client = openaiSDK.NewClient(
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	return b
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) Invoke(ctx context.Context, secret string, req *backend.Request) (*backend.Response, error) {
	if secret == "" {
		return nil, fmt.Errorf("openai: no API key given")
	}
	params := buildChatCompletionParams(req)
	opts := []option.RequestOption{option.WithAPIKey(secret)}

	if req.Stream {
		return b.handleStreaming(ctx, req, params, opts...)
	}
	return b.handleResponse(ctx, params, opts...)
}

func (b *Backend) ListModels(ctx context.Context, secret string) ([]backend.ModelInfo, error) {
	if secret == "" {
		return nil, fmt.Errorf("openai: no API key given")
	}
	page, err := b.client.Models.List(ctx, option.WithAPIKey(secret))
	if err != nil {
		return nil, fmt.Errorf("openai: list models: %w", toBackendError(err))
	}
	out := make([]backend.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, backend.ModelInfo{ID: m.ID, DisplayName: m.ID})
	}
	return out, nil
}

func buildChatCompletionParams(req *backend.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	p := req.Params
	if p.Temperature != nil {
		params.Temperature = openaiSDK.Float(*p.Temperature)
	}
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(*p.MaxTokens))
	}
	if p.TopP != nil {
		params.TopP = openaiSDK.Float(*p.TopP)
	}
	// top_k has no equivalent in this protocol.
	return params
}

func (b *Backend) handleResponse(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*backend.Response, error) {
	resp, err := b.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toBackendError(err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		text = c.Message.Content
		if text == "" && c.FinishReason == finishContentFilter {
			return nil, &backend.Error{
				Backend:    backendName,
				StatusCode: http.StatusBadRequest,
				Status:     "BLOCKED",
				Message:    "response blocked: " + finishContentFilter,
			}
		}
	}

	return &backend.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Text:  text,
		Usage: backend.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (b *Backend) handleStreaming(
	ctx context.Context,
	req *backend.Request,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*backend.Response, error) {
	ch, err := backend.StartStream(ctx, func(ctx context.Context, emit func(backend.Chunk) bool) error {
		stream := b.client.Chat.Completions.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			var out backend.Chunk
			switch {
			case c.Delta.Content != "":
				out.Text = c.Delta.Content
			case c.FinishReason == finishContentFilter:
				out.Err = fmt.Errorf("%w: %s", backend.ErrUndecodable, finishContentFilter)
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
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		msg := apierr.Message
		if msg == "" {
			msg = apierr.Error()
		}
		typ := apierr.Type
		if typ == "" {
			typ = "openai_error"
		}
		return &backend.Error{
			Backend:    backendName,
			StatusCode: apierr.StatusCode,
			Status:     typ,
			Message:    msg,
			Err:        err,
		}
	}
	return err
}

// baseURLTransport rewrites SDK requests onto a custom base URL, keeping the
// SDK's own path below it.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
		u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant", "model":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

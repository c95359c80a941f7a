// Package gemini implements backend.Backend for the Google Gemini API using
// the official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/nulpointcorp/keypool-gateway/internal/backend"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	backendName    = "gemini"

	// generateAction is the supported action a model needs to be listed.
	generateAction = "generateContent"

	listPageSize = 100
)

// blockedReasons are finish reasons that mean the candidate carries no
// usable text because a policy stopped it.
var blockedReasons = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
}

// Backend talks to Gemini with whatever key the dispatcher hands it. One SDK
// client is kept per key.
type Backend struct {
	baseURL    string
	httpClient *http.Client
	base       string
	apiVersion string

	clients sync.Map // secret -> *genai.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API base URL (mock server, tests).
func WithBaseURL(u string) Option {
	return func(b *Backend) {
		if u != "" {
			b.baseURL = u
		}
	}
}

// WithHTTPClient replaces the HTTP client used by the SDK. The client must
// not set a global Timeout: streams are bounded by their context.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// New creates a Gemini backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(b)
	}
	b.base, b.apiVersion = splitBaseURLAndVersion(b.baseURL)
	return b
}

func (b *Backend) Name() string { return backendName }

// Invoke implements backend.Backend.
func (b *Backend) Invoke(ctx context.Context, secret string, req *backend.Request) (*backend.Response, error) {
	client, err := b.clientForKey(ctx, secret)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	if req.Stream {
		return b.handleStreaming(ctx, client, req, contents, cfg)
	}
	return b.handleResponse(ctx, client, req, contents, cfg)
}

// ListModels returns the models that support generateContent, with the
// "models/" prefix removed.
func (b *Backend) ListModels(ctx context.Context, secret string) ([]backend.ModelInfo, error) {
	client, err := b.clientForKey(ctx, secret)
	if err != nil {
		return nil, err
	}

	page, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: listPageSize})
	if err != nil {
		return nil, fmt.Errorf("gemini: list models: %w", toBackendError(err))
	}

	var out []backend.ModelInfo
	for {
		for _, m := range page.Items {
			if m == nil || !supports(m.SupportedActions, generateAction) {
				continue
			}
			out = append(out, backend.ModelInfo{
				ID:          strings.TrimPrefix(m.Name, "models/"),
				DisplayName: m.DisplayName,
			})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		page, err = page.Next(ctx)
		if errors.Is(err, genai.ErrPageDone) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gemini: list models: %w", toBackendError(err))
		}
	}
}

func supports(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func buildContentsAndConfig(req *backend.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	p := req.Params
	if systemPrompt == "" && p.Temperature == nil && p.MaxTokens == nil && p.TopP == nil && p.TopK == nil {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if p.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*p.Temperature))
	}
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(*p.MaxTokens)
	}
	if p.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*p.TopP))
	}
	if p.TopK != nil {
		cfg.TopK = genai.Ptr[float32](float32(*p.TopK))
	}
	return contents, cfg
}

func (b *Backend) handleResponse(
	ctx context.Context,
	client *genai.Client,
	req *backend.Request,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*backend.Response, error) {
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toBackendError(err)
	}
	if reason := blockReason(resp); reason != "" {
		return nil, &backend.Error{
			Backend:    backendName,
			StatusCode: http.StatusBadRequest,
			Status:     "BLOCKED",
			Message:    "response blocked: " + reason,
		}
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := backend.Response{ID: id, Model: req.Model}
	if resp != nil {
		out.Text = resp.Text()
		if resp.UsageMetadata != nil {
			out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}
	return &out, nil
}

func (b *Backend) handleStreaming(
	ctx context.Context,
	client *genai.Client,
	req *backend.Request,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*backend.Response, error) {
	ch, err := backend.StartStream(ctx, func(ctx context.Context, emit func(backend.Chunk) bool) error {
		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				return toBackendError(err)
			}
			if resp == nil {
				continue
			}

			var c *genai.Candidate
			if len(resp.Candidates) > 0 {
				c = resp.Candidates[0]
			}
			text := firstCandidateText(c)

			var chunk backend.Chunk
			switch reason := blockReason(resp); {
			case text != "":
				chunk.Text = text
			case reason != "":
				chunk.Err = fmt.Errorf("%w: %s", backend.ErrUndecodable, reason)
			default:
				continue
			}
			if !emit(chunk) {
				return ctx.Err()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	id := req.RequestID
	if id == "" {
		id = generateID()
	}
	return &backend.Response{ID: id, Model: req.Model, Stream: ch}, nil
}

// blockReason returns why a response carries no text, or "" when it was
// not blocked.
func blockReason(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return string(resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		if r := string(resp.Candidates[0].FinishReason); blockedReasons[r] {
			return r
		}
	}
	return ""
}

func (b *Backend) clientForKey(ctx context.Context, secret string) (*genai.Client, error) {
	if secret == "" {
		return nil, fmt.Errorf("gemini: no API key given")
	}
	if c, ok := b.clients.Load(secret); ok {
		return c.(*genai.Client), nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      secret,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  b.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: b.base, APIVersion: b.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	actual, _ := b.clients.LoadOrStore(secret, client)
	return actual.(*genai.Client), nil
}

func firstCandidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion matches path segments such as "v1" or "v1beta".
func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toBackendError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &backend.Error{
			Backend:    backendName,
			StatusCode: apiErr.Code,
			Status:     apiErr.Status,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	return err
}

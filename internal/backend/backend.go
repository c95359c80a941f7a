// Package backend defines the contract between the dispatcher and the
// generative-text service behind the gateway.
//
// Each implementation lives in its own sub-package (gemini, openai,
// anthropic). Implementations are stateless with respect to credentials: the
// secret to use is passed on every call, so one Backend serves the whole key
// pool.
package backend

import "context"

type (
	// Message is a single turn in a conversation.
	Message struct {
		Role    string
		Content string
	}

	// GenerationParams are the optional sampling controls. Nil means "use
	// the backend default".
	GenerationParams struct {
		Temperature *float64
		MaxTokens   *int
		TopP        *float64
		TopK        *int
	}

	// Request is the normalized inbound request.
	Request struct {
		Model     string
		Messages  []Message
		Stream    bool
		Params    GenerationParams
		RequestID string
	}

	// Usage is the token accounting reported by the backend, when known.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Chunk is one item of a streaming sequence. Exactly one of Text or Err
	// is meaningful. An Err wrapping ErrUndecodable marks a fragment that
	// should be skipped; any other Err ends the sequence.
	Chunk struct {
		Text string
		Err  error
	}

	// Response is either a complete payload (Text) or a lazy fragment
	// sequence (Stream). Stream is closed by the producer when the sequence
	// ends.
	Response struct {
		ID     string
		Model  string
		Text   string
		Usage  Usage
		Stream <-chan Chunk
	}

	// ModelInfo describes a model offered by the backend.
	ModelInfo struct {
		ID          string
		DisplayName string
	}
)

// IsStream reports whether the response carries a fragment sequence.
func (r *Response) IsStream() bool { return r != nil && r.Stream != nil }

// Backend is the generative-text service collaborator.
type Backend interface {
	Name() string
	// Invoke performs one call with the given secret. Streaming requests
	// return as soon as the backend accepted the call; errors the backend
	// raises before the first fragment are returned here.
	Invoke(ctx context.Context, secret string, req *Request) (*Response, error)
	// ListModels returns the models usable for text generation.
	ListModels(ctx context.Context, secret string) ([]ModelInfo, error)
}

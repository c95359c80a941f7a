package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "backend", "simulating", "a", "real", "Gemini", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

var mockModels = []map[string]any{
	{
		"name":                       "models/gemini-1.5-flash",
		"displayName":                "Gemini 1.5 Flash",
		"supportedGenerationMethods": []string{"generateContent", "countTokens"},
	},
	{
		"name":                       "models/gemini-1.5-pro",
		"displayName":                "Gemini 1.5 Pro",
		"supportedGenerationMethods": []string{"generateContent", "countTokens"},
	},
	{
		"name":                       "models/gemini-2.0-flash",
		"displayName":                "Gemini 2.0 Flash",
		"supportedGenerationMethods": []string{"generateContent", "countTokens"},
	},
	{
		"name":                       "models/text-embedding-004",
		"displayName":                "Text Embedding 004",
		"supportedGenerationMethods": []string{"embedContent"},
	},
}

// quota counts requests per key in a fixed one-minute window.
type quota struct {
	mu     sync.Mutex
	limit  int
	now    func() time.Time
	window map[string]*keyWindow
}

type keyWindow struct {
	start time.Time
	count int
}

func newQuota(limit int, now func() time.Time) *quota {
	return &quota{limit: limit, now: now, window: make(map[string]*keyWindow)}
}

// allow reports whether key may make one more request.
func (q *quota) allow(key string) bool {
	if strings.HasPrefix(key, "exhausted") {
		return false
	}
	if q.limit <= 0 {
		return true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	w, ok := q.window[key]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &keyWindow{start: now}
		q.window[key] = w
	}
	if w.count >= q.limit {
		return false
	}
	w.count++
	return true
}

// newHandler returns an http.Handler simulating the Gemini API:
//
//	GET  /v1beta/models
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent?alt=sse
func newHandler(cfg Config, now func() time.Time) http.Handler {
	q := newQuota(cfg.KeyRPM, now)
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		if apiKey(r) == "" {
			writeGeminiError(w, http.StatusUnauthorized, "API key not valid", "UNAUTHENTICATED")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": mockModels})
	})

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		model := extractModel(path)

		var stream bool
		switch {
		case strings.HasSuffix(path, ":generateContent"):
		case strings.HasSuffix(path, ":streamGenerateContent"):
			stream = true
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path), "NOT_FOUND")
			return
		}
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed", "INVALID_ARGUMENT")
			return
		}

		key := apiKey(r)
		if key == "" {
			writeGeminiError(w, http.StatusUnauthorized, "API key not valid", "UNAUTHENTICATED")
			return
		}
		if !q.allow(key) {
			writeGeminiError(w, http.StatusTooManyRequests,
				"Resource has been exhausted (e.g. check quota).", "RESOURCE_EXHAUSTED")
			return
		}

		applyLatency(cfg)
		if shouldHappen(cfg.ErrorRate) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error", "INTERNAL")
			return
		}

		if stream {
			handleStream(w, cfg, model)
			return
		}
		handleGenerate(w, cfg, model)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "NOT_FOUND")
	})

	return mux
}

func handleGenerate(w http.ResponseWriter, cfg Config, model string) {
	writeJSON(w, http.StatusOK, generateResponse(model, fakeSentence(cfg.StreamWords), "STOP", cfg.StreamWords))
}

// handleStream writes one SSE event per word. With MOCK_BLOCK_RATE some
// events carry a SAFETY finish reason and no text.
func handleStream(w http.ResponseWriter, cfg Config, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	words := strings.Fields(fakeSentence(cfg.StreamWords))
	for i, word := range words {
		var resp map[string]any
		switch {
		case shouldHappen(cfg.BlockRate):
			resp = generateResponse(model, "", "SAFETY", 0)
		case i == len(words)-1:
			resp = generateResponse(model, word, "STOP", len(words))
		default:
			resp = generateResponse(model, word+" ", "", 0)
		}
		data, _ := json.Marshal(resp)
		if _, err := fmt.Fprintf(w, "data: %s\r\n\r\n", data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func generateResponse(model, text, finishReason string, outTokens int) map[string]any {
	candidate := map[string]any{"index": 0}
	if text != "" {
		candidate["content"] = map[string]any{
			"role":  "model",
			"parts": []map[string]string{{"text": text}},
		}
	}
	if finishReason != "" {
		candidate["finishReason"] = finishReason
	}

	resp := map[string]any{
		"candidates":   []any{candidate},
		"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
		"modelVersion": model,
	}
	if outTokens > 0 {
		resp["usageMetadata"] = map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      10 + outTokens,
		}
	}
	return resp
}

// apiKey reads the key the way the Gemini API accepts it.
func apiKey(r *http.Request) string {
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	return r.URL.Query().Get("key")
}

// fakeSentence returns a fake response text of n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldHappen(rate float64) bool {
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGeminiError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  code,
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-1.5-pro:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-1.5-flash"
}

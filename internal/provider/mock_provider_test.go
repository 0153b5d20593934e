// Package provider_test provides a MockLLM server for testing transports.
// The server mimics the streaming OpenAI and Anthropic APIs with
// deterministic responses.
package provider_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockLLMConfig represents the configuration for MockLLM responses.
type MockLLMConfig struct {
	Responses map[string]MockResponse
	Defaults  MockDefaults
	Settings  MockSettings
}

// MockResponse represents a predefined response for a specific prompt.
type MockResponse struct {
	Thinking  string
	Signature string
	// Redacted, when set, sends a redacted_thinking block first.
	Redacted  string
	Content   string
	ToolCalls []MockToolCall

	// Status, when set, fails the request with that HTTP status.
	Status int
	// Headers are added to the response.
	Headers map[string]string
}

// MockToolCall represents a tool call in a mock response.
type MockToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// MockDefaults provides fallback responses when no match is found.
type MockDefaults struct {
	Fallback string
}

// MockSettings configures mock behavior.
type MockSettings struct {
	LagMS int
	// ArgChunk splits tool arguments into fragments of this many bytes.
	ArgChunk int
}

// MockRequest records incoming requests for verification.
type MockRequest struct {
	Timestamp time.Time
	Method    string
	Path      string
	Body      map[string]any
	Headers   http.Header
}

// MockLLMServer provides an HTTP server that mimics OpenAI/Anthropic APIs.
type MockLLMServer struct {
	server *httptest.Server
	config *MockLLMConfig

	mu       sync.Mutex
	requests []MockRequest
}

// NewMockLLMServer creates a new mock LLM server.
func NewMockLLMServer(config *MockLLMConfig) *MockLLMServer {
	m := &MockLLMServer{config: config}

	mux := http.NewServeMux()

	// OpenAI-compatible endpoint (also used by ARK)
	mux.HandleFunc("/v1/chat/completions", m.handleOpenAIChatCompletions)
	mux.HandleFunc("/chat/completions", m.handleOpenAIChatCompletions)

	// Anthropic-compatible endpoint
	mux.HandleFunc("/v1/messages", m.handleAnthropicMessages)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server's URL.
func (m *MockLLMServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockLLMServer) Close() {
	m.server.Close()
}

// GetRequests returns all recorded requests.
func (m *MockLLMServer) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request body.
func (m *MockLLMServer) LastRequest() map[string]any {
	reqs := m.GetRequests()
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1].Body
}

// ClearRequests clears the recorded requests.
func (m *MockLLMServer) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func (m *MockLLMServer) record(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()

	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return nil, false
	}

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Timestamp: time.Now(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      req,
		Headers:   r.Header,
	})
	m.mu.Unlock()

	if m.config.Settings.LagMS > 0 {
		time.Sleep(time.Duration(m.config.Settings.LagMS) * time.Millisecond)
	}
	return req, true
}

// writeHeaders applies configured headers and fails the request when a
// status is configured.
func (m *MockLLMServer) writeHeaders(w http.ResponseWriter, resp *MockResponse) bool {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.Status != 0 && resp.Status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		fmt.Fprintf(w, `{"type":"error","error":{"type":"rate_limit_error","message":"status %d"}}`, resp.Status)
		return false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return true
}

// handleOpenAIChatCompletions handles OpenAI-compatible chat completions.
func (m *MockLLMServer) handleOpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, ok := m.record(w, r)
	if !ok {
		return
	}
	response := m.findResponse(extractLastPrompt(req))
	if !m.writeHeaders(w, response) {
		return
	}
	m.writeOpenAIStreamingResponse(w, response)
}

// handleAnthropicMessages handles Anthropic-compatible messages API.
func (m *MockLLMServer) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	req, ok := m.record(w, r)
	if !ok {
		return
	}
	response := m.findResponse(extractLastPrompt(req))
	if !m.writeHeaders(w, response) {
		return
	}
	m.writeAnthropicStreamingResponse(w, response)
}

// extractLastPrompt extracts the last user text. Content may be a string or
// an array of blocks.
func extractLastPrompt(req map[string]any) string {
	messages, ok := req["messages"].([]any)
	if !ok || len(messages) == 0 {
		return ""
	}

	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			return content
		}
		if contentArr, ok := msg["content"].([]any); ok {
			for _, item := range contentArr {
				block, _ := item.(map[string]any)
				if blockType, _ := block["type"].(string); blockType == "text" {
					if text, ok := block["text"].(string); ok {
						return text
					}
				}
			}
		}
	}
	return ""
}

// findResponse finds the best matching response for a prompt.
func (m *MockLLMServer) findResponse(prompt string) *MockResponse {
	prompt = strings.ToLower(strings.TrimSpace(prompt))

	for key, resp := range m.config.Responses {
		if strings.Contains(prompt, strings.ToLower(key)) {
			return &resp
		}
	}

	return &MockResponse{
		Content: m.config.Defaults.Fallback,
	}
}

func (m *MockLLMServer) chunks(s string) []string {
	size := m.config.Settings.ArgChunk
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}

func words(s string) []string {
	fields := strings.Fields(s)
	for i := range fields[:max(len(fields)-1, 0)] {
		fields[i] += " "
	}
	return fields
}

func writeData(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, _ := json.Marshal(v)
	w.Write([]byte("data: " + string(data) + "\n\n"))
	flusher.Flush()
}

// writeOpenAIStreamingResponse writes a streaming OpenAI response.
func (m *MockLLMServer) writeOpenAIStreamingResponse(w http.ResponseWriter, resp *MockResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	chunk := func(delta map[string]any, finish any) map[string]any {
		return map[string]any{
			"id":      "chatcmpl-mock-" + generateMockID(),
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   "mock-gpt-4",
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
	}

	writeData(w, flusher, chunk(map[string]any{"role": "assistant"}, nil))

	for _, word := range words(resp.Content) {
		writeData(w, flusher, chunk(map[string]any{"content": word}, nil))
	}

	for i, tc := range resp.ToolCalls {
		writeData(w, flusher, chunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index":    i,
				"id":       tc.ID,
				"type":     "function",
				"function": map[string]any{"name": tc.Name, "arguments": ""},
			}},
		}, nil))
		for _, frag := range m.chunks(tc.Arguments) {
			writeData(w, flusher, chunk(map[string]any{
				"tool_calls": []map[string]any{{
					"index":    i,
					"function": map[string]any{"arguments": frag},
				}},
			}, nil))
		}
	}

	finish := "stop"
	if len(resp.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	final := chunk(map[string]any{}, finish)
	final["usage"] = map[string]any{
		"prompt_tokens":     100,
		"completion_tokens": 50,
		"total_tokens":      150,
	}
	writeData(w, flusher, final)
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// writeAnthropicStreamingResponse writes a streaming Anthropic response.
func (m *MockLLMServer) writeAnthropicStreamingResponse(w http.ResponseWriter, resp *MockResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	event := func(v map[string]any) {
		data, _ := json.Marshal(v)
		w.Write([]byte("event: " + v["type"].(string) + "\ndata: " + string(data) + "\n\n"))
		flusher.Flush()
	}

	event(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      "msg_mock_" + generateMockID(),
			"type":    "message",
			"role":    "assistant",
			"model":   "mock-claude-3",
			"content": []any{},
			"usage": map[string]any{
				"input_tokens":  100,
				"output_tokens": 0,
			},
		},
	})
	event(map[string]any{"type": "ping"})

	index := 0
	if resp.Redacted != "" {
		event(map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": map[string]any{"type": "redacted_thinking", "data": resp.Redacted},
		})
		event(map[string]any{"type": "content_block_stop", "index": index})
		index++
	}

	if resp.Thinking != "" {
		event(map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": map[string]any{"type": "thinking", "thinking": ""},
		})
		for _, word := range words(resp.Thinking) {
			event(map[string]any{
				"type":  "content_block_delta",
				"index": index,
				"delta": map[string]any{"type": "thinking_delta", "thinking": word},
			})
		}
		event(map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": "signature_delta", "signature": resp.Signature},
		})
		event(map[string]any{"type": "content_block_stop", "index": index})
		index++
	}

	if resp.Content != "" {
		event(map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		for _, word := range words(resp.Content) {
			event(map[string]any{
				"type":  "content_block_delta",
				"index": index,
				"delta": map[string]any{"type": "text_delta", "text": word},
			})
		}
		event(map[string]any{"type": "content_block_stop", "index": index})
		index++
	}

	for _, tc := range resp.ToolCalls {
		event(map[string]any{
			"type":  "content_block_start",
			"index": index,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  tc.Name,
				"input": map[string]any{},
			},
		})
		for _, frag := range m.chunks(tc.Arguments) {
			event(map[string]any{
				"type":  "content_block_delta",
				"index": index,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": frag},
			})
		}
		event(map[string]any{"type": "content_block_stop", "index": index})
		index++
	}

	stopReason := "end_turn"
	if len(resp.ToolCalls) > 0 {
		stopReason = "tool_use"
	}
	event(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": 50},
	})
	event(map[string]any{"type": "message_stop"})
}

// generateMockID generates a simple mock ID.
func generateMockID() string {
	return "mock123456"
}

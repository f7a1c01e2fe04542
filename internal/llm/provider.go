// Package llm provides a provider-agnostic chat interface over fantasy,
// with retry handling and a mock implementation for tests.
package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errMissingModel = errors.New("llm: model is required")

// Provider is the minimal chat interface the capabilities consume.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message is a single conversation message.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolDef describes a tool exposed to the model.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ChatRequest is a single chat completion request.
type ChatRequest struct {
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// ToolCallResponse is a tool call extracted from a model response.
type ToolCallResponse struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// ChatResponse is the normalized model response.
type ChatResponse struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCallResponse
	StopReason   string
	InputTokens  int
	OutputTokens int
	Model        string
}

// RetryConfig controls retry behavior for transient provider errors.
type RetryConfig struct {
	MaxRetries  int
	InitBackoff time.Duration
	MaxBackoff  time.Duration
}

// FantasyConfig configures a fantasy-backed provider.
type FantasyConfig struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Retry     RetryConfig
}

// Validate checks the configuration is usable.
func (c *FantasyConfig) Validate() error {
	if c.Model == "" {
		return errMissingModel
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *FantasyConfig) ApplyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
}

// --- Mock provider for tests ---

// MockProvider is a scripted Provider. Responses are returned in order;
// the last one repeats once the script is exhausted.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	next      int
	requests  []ChatRequest
	err       error
}

// NewMockProvider creates a mock with no scripted responses.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// SetResponse replaces the script with a single response.
func (m *MockProvider) SetResponse(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = []string{content}
	m.next = 0
}

// SetResponses replaces the script with an ordered sequence.
func (m *MockProvider) SetResponses(contents ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = contents
	m.next = 0
}

// SetError makes every Chat call fail.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Chat records the request and returns the next scripted response.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &ChatResponse{}, nil
	}

	idx := m.next
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.next++
	}
	return &ChatResponse{Content: m.responses[idx], Model: "mock"}, nil
}

// LastRequest returns the most recent request, or nil.
func (m *MockProvider) LastRequest() *ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	req := m.requests[len(m.requests)-1]
	return &req
}

// Requests returns all recorded requests.
func (m *MockProvider) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// CallCount returns how many Chat calls were made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

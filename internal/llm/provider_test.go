package llm

import (
	"context"
	"errors"
	"testing"
)

func TestMockProviderScript(t *testing.T) {
	mock := NewMockProvider()
	mock.SetResponses("first", "second")

	ctx := context.Background()

	resp, err := mock.Chat(ctx, ChatRequest{Messages: []Message{{Role: "user", Content: "a"}}})
	if err != nil || resp.Content != "first" {
		t.Fatalf("first call = %q, %v", resp.Content, err)
	}

	resp, _ = mock.Chat(ctx, ChatRequest{Messages: []Message{{Role: "user", Content: "b"}}})
	if resp.Content != "second" {
		t.Errorf("second call = %q", resp.Content)
	}

	// Exhausted script repeats the last response.
	resp, _ = mock.Chat(ctx, ChatRequest{})
	if resp.Content != "second" {
		t.Errorf("exhausted call = %q", resp.Content)
	}

	if mock.CallCount() != 3 {
		t.Errorf("call count = %d", mock.CallCount())
	}
	if mock.LastRequest() == nil {
		t.Fatal("LastRequest should not be nil")
	}
	if got := mock.Requests()[1].Messages[0].Content; got != "b" {
		t.Errorf("recorded request content = %q", got)
	}
}

func TestMockProviderError(t *testing.T) {
	mock := NewMockProvider()
	wantErr := errors.New("provider down")
	mock.SetError(wantErr)

	_, err := mock.Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
}

func TestNewProviderValidation(t *testing.T) {
	if _, err := NewProvider(FantasyConfig{Provider: "anthropic"}); err == nil {
		t.Error("missing model should fail")
	}
	if _, err := NewProvider(FantasyConfig{Model: "unrecognizable-model"}); err == nil {
		t.Error("uninferable provider should fail")
	}
	if _, err := NewProvider(FantasyConfig{Provider: "openrouter", Model: "x"}); err == nil {
		t.Error("openai-compat without base_url should fail")
	}
}

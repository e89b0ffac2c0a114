package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicProvider_Complete(t *testing.T) {
	var gotBody map[string]interface{}
	var gotHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"content": [
				{"type": "thinking", "thinking": "let me think"},
				{"type": "text", "text": "hello there"}
			],
			"usage": {"input_tokens": 42, "output_tokens": 7}
		}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider("test-key", server.URL, "test-model")

	resp, err := provider.Complete(context.Background(), CompletionRequest{
		System:         "be brief",
		Messages:       []Message{{Role: "user", Content: "hi"}},
		MaxTokens:      1000,
		ThinkingBudget: 500,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if resp.Text != "hello there" {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
	if resp.Thinking != "let me think" {
		t.Fatalf("unexpected thinking: %q", resp.Thinking)
	}
	if resp.Usage.InputTokens != 42 || resp.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected usage: %#v", resp.Usage)
	}

	if gotHeaders.Get("x-api-key") != "test-key" {
		t.Fatalf("api key header missing: %#v", gotHeaders)
	}
	if gotHeaders.Get("anthropic-version") == "" {
		t.Fatal("version header missing")
	}
	if gotBody["system"] != "be brief" {
		t.Fatalf("system not forwarded: %#v", gotBody)
	}
	thinking, ok := gotBody["thinking"].(map[string]interface{})
	if !ok || thinking["type"] != "enabled" || thinking["budget_tokens"] != float64(500) {
		t.Fatalf("thinking config not forwarded: %#v", gotBody["thinking"])
	}
}

func TestAnthropicProvider_NoThinkingBudgetOmitsBlock(t *testing.T) {
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"content": [{"type": "text", "text": "ok"}], "usage": {"input_tokens": 1, "output_tokens": 1}}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider("k", server.URL, "m")
	if _, err := provider.Complete(context.Background(), CompletionRequest{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 10,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, exists := gotBody["thinking"]; exists {
		t.Fatal("thinking block sent without a budget")
	}
	if _, exists := gotBody["system"]; exists {
		t.Fatal("empty system forwarded")
	}
}

func TestAnthropicProvider_APIErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"type": "rate_limit_error", "message": "slow down"}}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider("k", server.URL, "m")
	_, err := provider.Complete(context.Background(), CompletionRequest{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 10,
	})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
	if got := err.Error(); !strings.Contains(got, "429") || !strings.Contains(got, "slow down") {
		t.Fatalf("error lacks status or message: %v", got)
	}
}

func TestAnthropicProvider_RejectsEmptyRequest(t *testing.T) {
	provider := NewAnthropicProvider("k", "", "m")
	if _, err := provider.Complete(context.Background(), CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty message list")
	}
}

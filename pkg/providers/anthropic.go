package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBase     = "https://api.anthropic.com"
	apiVersion         = "2023-06-01"
	defaultHTTPTimeout = 300 * time.Second
)

// AnthropicProvider talks to an anthropic-compatible messages endpoint.
type AnthropicProvider struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
}

func NewAnthropicProvider(apiKey, apiBase, model string) *AnthropicProvider {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &AnthropicProvider{
		apiKey:     apiKey,
		apiBase:    apiBase,
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*LLMResponse, error) {
	if p == nil {
		return nil, fmt.Errorf("provider not initialized")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("completion request has no messages")
	}

	requestBody := map[string]interface{}{
		"model":      p.model,
		"max_tokens": req.MaxTokens,
		"messages":   req.Messages,
	}
	if req.System != "" {
		requestBody["system"] = req.System
	}
	if req.ThinkingBudget > 0 {
		requestBody["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": req.ThinkingBudget,
		}
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send completion request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion request failed: status=%d error=%s", resp.StatusCode, extractAPIError(body))
	}

	return parseMessagesResponse(body)
}

func parseMessagesResponse(body []byte) (*LLMResponse, error) {
	var apiResponse struct {
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"content"`
		Usage UsageInfo `json:"usage"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("unmarshal completion response: %w", err)
	}

	out := &LLMResponse{Usage: apiResponse.Usage}
	for _, block := range apiResponse.Content {
		switch block.Type {
		case "thinking":
			out.Thinking = block.Thinking
		case "text":
			out.Text = block.Text
		}
	}
	return out, nil
}

func extractAPIError(body []byte) string {
	var apiErr struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	raw := strings.TrimSpace(string(body))
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return raw
}

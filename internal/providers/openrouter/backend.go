// Package openrouter implements a providers.Backend for the OpenRouter
// hosted multi-model API.
package openrouter

import (
	"encoding/json"
	"fmt"

	"github.com/student/negotiatord/internal/providers"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Backend talks to OpenRouter's OpenAI-compatible chat completion endpoint
// with bearer-token authentication.
type Backend struct {
	id      string
	apiKey  string
	baseURL string
	model   string
}

// New creates a Backend for OpenRouter. baseURL may be empty to use the
// default public endpoint.
func New(id, apiKey, baseURL, model string) *Backend {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Backend{id: id, apiKey: apiKey, baseURL: baseURL, model: model}
}

func (b *Backend) Name() string { return b.id }

func (b *Backend) HealthEndpoint() string {
	return b.baseURL + "/chat/completions"
}

func (b *Backend) BuildChatRequest(messages []providers.Message, params providers.Params) (string, any, map[string]string) {
	model := params.Model
	if model == "" {
		model = b.model
	}
	wire := make([]map[string]string, len(messages))
	for i, m := range messages {
		wire[i] = map[string]string{"role": string(m.Role), "content": m.Content}
	}
	payload := map[string]any{
		"model":       model,
		"messages":    wire,
		"temperature": params.Temperature,
		"max_tokens":  params.MaxTokens,
	}
	if len(params.Stop) > 0 {
		payload["stop"] = params.Stop
	}
	headers := map[string]string{
		"Authorization": "Bearer " + b.apiKey,
	}
	return b.baseURL + "/chat/completions", payload, headers
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (b *Backend) ParseChatResponse(body []byte) (providers.Result, error) {
	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, fmt.Errorf("parse openrouter response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.Result{}, fmt.Errorf("openrouter response has no choices")
	}
	return providers.Result{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// Package lmstudio implements a providers.Backend for a local LM Studio (or
// any OpenAI-compatible local) chat-completion server.
package lmstudio

import (
	"encoding/json"
	"fmt"

	"github.com/student/negotiatord/internal/providers"
)

// Backend talks to a locally-running OpenAI-compatible chat completion
// endpoint. No API key is required by default.
type Backend struct {
	id      string
	baseURL string
	model   string
}

// New creates a Backend bound to a local server's base URL (e.g.
// "http://localhost:1234"). model is the default model name sent when
// Params.Model is empty.
func New(id, baseURL, model string) *Backend {
	return &Backend{id: id, baseURL: baseURL, model: model}
}

func (b *Backend) Name() string { return b.id }

func (b *Backend) HealthEndpoint() string {
	return b.baseURL + "/v1/chat/completions"
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
	return b.baseURL + "/v1/chat/completions", payload, map[string]string{}
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
		return providers.Result{}, fmt.Errorf("parse lm studio response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.Result{}, fmt.Errorf("lm studio response has no choices")
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

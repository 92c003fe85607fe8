// Direct LLM provider calls for the summarization backend.
//
// DESIGN: One entry point, CallLLM(), dispatching on provider:
//   - openai:    POST chat completions with bearer auth
//   - anthropic: POST messages API with x-api-key auth
//   - bedrock:   Anthropic body against a Bedrock invoke URL, SigV4-signed
//     by the HTTPClient transport (see bedrock.go)
//
// Calls respect the caller's context deadline; Timeout is a fallback bound
// when the context carries none.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// CallLLMParams configures one provider call.
type CallLLMParams struct {
	Provider     string // openai | anthropic | bedrock
	Endpoint     string
	APISecret    string
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Timeout      time.Duration
	HTTPClient   *http.Client // optional; required for bedrock (signing transport)
}

// CallLLMResult is the normalized provider response.
type CallLLMResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// CallLLM performs a single chat-completion call against the configured
// provider and normalizes the response.
func CallLLM(ctx context.Context, params CallLLMParams) (*CallLLMResult, error) {
	var body []byte
	var err error
	switch params.Provider {
	case "openai":
		body, err = json.Marshal(OpenAIChatRequest{
			Model: params.Model,
			Messages: []OpenAIMessage{
				{Role: "system", Content: params.SystemPrompt},
				{Role: "user", Content: params.UserPrompt},
			},
			MaxCompletionTokens: params.MaxTokens,
		})
	case "anthropic":
		body, err = json.Marshal(AnthropicRequest{
			Model:     params.Model,
			MaxTokens: params.MaxTokens,
			System:    params.SystemPrompt,
			Messages:  []AnthropicMessage{{Role: "user", Content: params.UserPrompt}},
		})
	case "bedrock":
		// Bedrock carries the model in the URL, not the body.
		body, err = json.Marshal(AnthropicRequest{
			MaxTokens:        params.MaxTokens,
			System:           params.SystemPrompt,
			Messages:         []AnthropicMessage{{Role: "user", Content: params.UserPrompt}},
			AnthropicVersion: "bedrock-2023-05-31",
		})
	default:
		return nil, fmt.Errorf("unsupported provider: %s", params.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, params.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch params.Provider {
	case "openai":
		req.Header.Set("Authorization", "Bearer "+params.APISecret)
	case "anthropic":
		req.Header.Set("x-api-key", params.APISecret)
		req.Header.Set("anthropic-version", "2023-06-01")
	}

	client := params.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: params.Timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Str("provider", params.Provider).Msg("provider call failed")
		return nil, fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	}

	return parseResponse(params.Provider, respBody)
}

// parseResponse normalizes a provider response body.
func parseResponse(provider string, body []byte) (*CallLLMResult, error) {
	switch provider {
	case "openai":
		var r OpenAIChatResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("parse openai response: %w", err)
		}
		if r.Error != nil {
			return nil, fmt.Errorf("openai error: %s", r.Error.Message)
		}
		if len(r.Choices) == 0 {
			return nil, fmt.Errorf("openai response has no choices")
		}
		return &CallLLMResult{
			Content:      r.Choices[0].Message.Content,
			InputTokens:  r.Usage.PromptTokens,
			OutputTokens: r.Usage.CompletionTokens,
		}, nil
	default: // anthropic, bedrock
		var r AnthropicResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("parse anthropic response: %w", err)
		}
		if r.Error != nil {
			return nil, fmt.Errorf("anthropic error: %s", r.Error.Message)
		}
		var content string
		for _, block := range r.Content {
			if block.Type == "text" {
				content += block.Text
			}
		}
		return &CallLLMResult{
			Content:      content,
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
		}, nil
	}
}

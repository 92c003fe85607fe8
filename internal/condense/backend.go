// Package condense - backend.go abstracts the summarization backend.
//
// DESIGN: The engine talks to a one-method Backend interface so tests can
// substitute a mock with call counting. The production implementation wraps
// external.CallLLM and, for Bedrock, installs the SigV4 signing transport.
package condense

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/contextwarden/gateway/external"
	"github.com/contextwarden/gateway/internal/config"
)

// Request is one summarization call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the backend's summarization output.
type Response struct {
	Text         string
	OutputTokens int
}

// Backend performs summarization calls. Implementations must honor the
// context deadline.
type Backend interface {
	Summarize(ctx context.Context, req Request) (Response, error)
}

// LLMBackend calls a chat-completion provider via external.CallLLM.
type LLMBackend struct {
	cfg        config.BackendConfig
	httpClient *http.Client
}

// NewLLMBackend builds the production backend. For the bedrock provider a
// SigV4 signing HTTP client is constructed up front so credential problems
// surface at startup rather than mid-request.
func NewLLMBackend(cfg config.BackendConfig) (*LLMBackend, error) {
	b := &LLMBackend{cfg: cfg}
	if cfg.Provider == "bedrock" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = os.Getenv("AWS_DEFAULT_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		transport, err := external.NewBedrockSigningTransport(region, nil)
		if err != nil {
			return nil, fmt.Errorf("create Bedrock signing transport: %w", err)
		}
		b.httpClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	}
	return b, nil
}

// Summarize performs one backend call.
func (b *LLMBackend) Summarize(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.MaxTokens
	}
	result, err := external.CallLLM(ctx, external.CallLLMParams{
		Provider:     b.cfg.Provider,
		Endpoint:     b.cfg.Endpoint,
		APISecret:    b.cfg.APIKey,
		Model:        b.cfg.Model,
		SystemPrompt: req.System,
		UserPrompt:   req.Prompt,
		MaxTokens:    maxTokens,
		Timeout:      b.cfg.Timeout,
		HTTPClient:   b.httpClient,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Text: result.Content, OutputTokens: result.OutputTokens}, nil
}

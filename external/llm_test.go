package external_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextwarden/gateway/external"
)

func TestCallLLM_OpenAI(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "condensed text"}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 30}
		}`))
	}))
	defer srv.Close()

	result, err := external.CallLLM(context.Background(), external.CallLLMParams{
		Provider:     "openai",
		Endpoint:     srv.URL,
		APISecret:    "sk-test",
		Model:        "gpt-4o-mini",
		SystemPrompt: "condense",
		UserPrompt:   "the chunk",
		MaxTokens:    512,
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, "condensed text", result.Content)
	assert.Equal(t, 120, result.InputTokens)
	assert.Equal(t, 30, result.OutputTokens)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
}

func TestCallLLM_Anthropic(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "part one "}, {"type": "text", "text": "part two"}],
			"usage": {"input_tokens": 80, "output_tokens": 12}
		}`))
	}))
	defer srv.Close()

	result, err := external.CallLLM(context.Background(), external.CallLLMParams{
		Provider:   "anthropic",
		Endpoint:   srv.URL,
		APISecret:  "sk-ant-test",
		Model:      "claude-haiku",
		UserPrompt: "the chunk",
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, "part one part two", result.Content)
	assert.Equal(t, 80, result.InputTokens)
	assert.Equal(t, "sk-ant-test", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
}

func TestCallLLM_BedrockOmitsModelFromBody(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content": [{"type": "text", "text": "ok"}], "usage": {}}`))
	}))
	defer srv.Close()

	_, err := external.CallLLM(context.Background(), external.CallLLMParams{
		Provider:   "bedrock",
		Endpoint:   srv.URL,
		Model:      "anthropic.claude-3-haiku",
		UserPrompt: "the chunk",
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)

	assert.NotContains(t, gotBody, "model", "bedrock carries the model in the URL")
	assert.Equal(t, "bedrock-2023-05-31", gotBody["anthropic_version"])
}

func TestCallLLM_Failures(t *testing.T) {
	errSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer errSrv.Close()

	tests := []struct {
		name     string
		params   external.CallLLMParams
		errorMsg string
	}{
		{
			name:     "unsupported provider",
			params:   external.CallLLMParams{Provider: "cohere", Endpoint: errSrv.URL},
			errorMsg: "unsupported provider",
		},
		{
			name:     "non-200 status",
			params:   external.CallLLMParams{Provider: "openai", Endpoint: errSrv.URL, Timeout: 5 * time.Second},
			errorMsg: "HTTP 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := external.CallLLM(context.Background(), tt.params)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestCallLLM_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Consume the body so the server watches the connection and cancels
		// the request context when the client gives up.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := external.CallLLM(ctx, external.CallLLMParams{
		Provider:   "anthropic",
		Endpoint:   srv.URL,
		UserPrompt: "the chunk",
		Timeout:    time.Minute,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUserPromptCondense(t *testing.T) {
	prompt := external.UserPromptCondense("the chunk", "earlier turns", 0.25)

	assert.Contains(t, prompt, "25%")
	assert.Contains(t, prompt, "the chunk")
	assert.Contains(t, prompt, "earlier turns")
	assert.Contains(t, prompt, "continuity only")

	bare := external.UserPromptCondense("the chunk", "", 0.5)
	assert.NotContains(t, bare, "continuity")
}

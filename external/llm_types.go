// LLM provider request/response types for OpenAI, Anthropic, and Bedrock.
//
// These types are used by:
//   - llm.go: CallLLM() for summarization backend calls
//   - llm_prompts.go: condensation prompt builders
package external

// =============================================================================
// OpenAI Types
// =============================================================================

// OpenAIMessage represents a message in OpenAI chat format.
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIChatRequest is the request body for OpenAI chat completions.
type OpenAIChatRequest struct {
	Model               string          `json:"model"`
	Messages            []OpenAIMessage `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         float64         `json:"temperature,omitempty"`
}

// OpenAIChatResponse is the response from OpenAI chat completions.
type OpenAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// =============================================================================
// Anthropic Types
// =============================================================================

// AnthropicMessage represents a message in Anthropic format.
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicRequest is the request body for the Anthropic messages API.
// Also used for Bedrock with Anthropic models (set AnthropicVersion to
// "bedrock-2023-05-31" and omit Model from the body).
type AnthropicRequest struct {
	Model            string             `json:"model,omitempty"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []AnthropicMessage `json:"messages"`
	Temperature      float64            `json:"temperature,omitempty"`
	AnthropicVersion string             `json:"anthropic_version,omitempty"`
}

// AnthropicResponse is the response from the Anthropic messages API.
type AnthropicResponse struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino-ext/components/model/openai"
)

// LLMConfig holds the chat-model settings shared by the LLM-backed
// capabilities. A single OpenAI-compatible endpoint serves all of them.
type LLMConfig struct {
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

func newChatModel(ctx context.Context, config LLMConfig) (*openai.ChatModel, error) {
	maxTokens := config.MaxTokens
	temperature := float32(config.Temperature)

	modelConfig := &openai.ChatModelConfig{
		APIKey:      config.APIKey,
		BaseURL:     config.BaseURL,
		Model:       config.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	}

	model, err := openai.NewChatModel(ctx, modelConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}
	return model, nil
}

// stripCodeFence removes a surrounding markdown code fence, which models
// frequently wrap JSON output in despite instructions.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```json") {
		content = strings.TrimPrefix(content, "```json")
	} else if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

// decodeOutput parses a model response into the expected structured shape.
// A parse failure is an invalid-output capability error, never retried.
func decodeOutput(name, content string, dest any) error {
	if err := sonic.Unmarshal([]byte(stripCodeFence(content)), dest); err != nil {
		return InvalidOutput(name, fmt.Errorf("response failed to parse: %w", err))
	}
	return nil
}

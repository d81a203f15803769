package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/alphonse-agent/nerve/pkg/config"
)

// chatClient serves both the openai and opencode providers; opencode is
// an OpenAI-compatible local server reached through a custom base URL.
type chatClient struct {
	name   string
	model  string
	client *openai.Client
}

func newOpenAI(cfg config.LLMConfig) *chatClient {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &chatClient{
		name:   "openai",
		model:  cfg.OpenAIModel,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func newOpencode(cfg config.LLMConfig) *chatClient {
	// Local server: no real key, but the SDK requires a non-empty one.
	clientCfg := openai.DefaultConfig("opencode")
	clientCfg.BaseURL = cfg.OpencodeBaseURL
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &chatClient{
		name:   "opencode",
		model:  cfg.OpencodeModel,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (c *chatClient) Name() string { return c.name }

func (c *chatClient) Complete(ctx context.Context, system, user string) (Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: user,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
			apiErr.HTTPStatusCode != 429 {
			return Completion{}, permanent(fmt.Errorf("%s completion rejected: %w", c.name, err))
		}
		return Completion{}, fmt.Errorf("%s completion failed: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%s returned no choices", c.name)
	}

	return Completion{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

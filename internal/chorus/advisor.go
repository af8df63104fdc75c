package chorus

import (
	"context"
	"fmt"
	"os"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"chorus/internal/convo"
	"chorus/internal/proxy"
)

// Advisor produces one assistant reply for a rendered prompt. The
// orchestrator only depends on this; tests plug in a canned one.
type Advisor interface {
	Reply(ctx context.Context, prompt convo.PromptBundle) (string, error)
}

// OpenAIAdvisor speaks to a chat-completions backend.
type OpenAIAdvisor struct {
	client openai.Client
	model  string
}

// NewOpenAIAdvisor reads OPENAI_API_KEY from the environment. A
// non-empty socksAddr routes backend traffic through a SOCKS5 proxy.
func NewOpenAIAdvisor(model, socksAddr string) (*OpenAIAdvisor, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if socksAddr != "" {
		httpClient, err := proxy.NewSocksClient(socksAddr)
		if err != nil {
			return nil, fmt.Errorf("dial socks proxy: %w", err)
		}
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &OpenAIAdvisor{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (a *OpenAIAdvisor) Reply(ctx context.Context, prompt convo.PromptBundle) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt.History)+1)
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(prompt.System))
	}
	for _, turn := range prompt.History {
		switch turn.Role {
		case convo.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		case convo.RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(a.model),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("empty message content")
	}
	return content, nil
}

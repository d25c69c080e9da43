package sampling

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
)

// OpenAIProvider implements Provider on top of OpenAI's Chat Completions
// API, grounded on the teacher's features/model/openai/client.go adapter
// shape (a thin translation layer over the SDK, same as the Anthropic one).
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider builds a Provider from an openai-go client.
func NewOpenAIProvider(client *openai.Client, defaultModel string) (*OpenAIProvider, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	if defaultModel == "" {
		defaultModel = openai.ChatModelGPT4o
	}
	return &OpenAIProvider{client: client, defaultModel: defaultModel}, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(m.Text))
		} else {
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return &Response{}, nil
	}

	return &Response{
		Text:       resp.Choices[0].Message.Content,
		StopReason: string(resp.Choices[0].FinishReason),
		TokensUsed: TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

package sampling

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient is the subset of the Anthropic SDK the adapter needs,
// grounded on the teacher's features/model/anthropic/client.go MessagesClient
// interface — satisfied by *sdk.MessageService, or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicOptions configures the default/high/small model identifiers used
// when a Request does not specify Model explicitly.
type AnthropicOptions struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
}

// AnthropicProvider implements Provider on top of Anthropic's Messages API.
type AnthropicProvider struct {
	msg  MessagesClient
	opts AnthropicOptions
}

// NewAnthropicProvider builds a Provider from an Anthropic Messages client.
func NewAnthropicProvider(msg MessagesClient, opts AnthropicOptions) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &AnthropicProvider{msg: msg, opts: opts}, nil
}

func (p *AnthropicProvider) resolveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case ModelClassHighReasoning:
		if p.opts.HighModel != "" {
			return p.opts.HighModel
		}
	case ModelClassSmall:
		if p.opts.SmallModel != "" {
			return p.opts.SmallModel
		}
	}
	return p.opts.DefaultModel
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.opts.MaxTokens
	}
	if maxTokens <= 0 {
		return nil, errors.New("max tokens must be set either on the request or the provider options")
	}

	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Text)
		if m.Role == "assistant" {
			messages = append(messages, sdk.NewAssistantMessage(block))
		} else {
			messages = append(messages, sdk.NewUserMessage(block))
		}
	}

	resp, err := p.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.resolveModel(req)),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	})
	if err != nil {
		return nil, err
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Text:       text,
		StopReason: string(resp.StopReason),
		TokensUsed: TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

package sampling

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockProvider implements Provider on top of Bedrock's Converse API,
// grounded on the teacher's features/model/bedrock/client.go adapter —
// the third of three interchangeable providers SPEC_FULL.md §1.B wires in
// for the sampling step.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockProvider builds a Provider from a bedrockruntime client.
func NewBedrockProvider(client *bedrockruntime.Client, defaultModel string) (*BedrockProvider, error) {
	if client == nil {
		return nil, errors.New("bedrock client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default bedrock model id is required")
	}
	return &BedrockProvider{client: client, defaultModel: defaultModel}, nil
}

func (p *BedrockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Text}},
		})
	}

	var maxTokens *int32
	if req.MaxTokens > 0 {
		v := int32(req.MaxTokens)
		maxTokens = &v
	}

	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:  &model,
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: maxTokens,
		},
	})
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	if msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			if textBlock, ok := block.(*types.ContentBlockMemberText); ok {
				resp.Text += textBlock.Value
			}
		}
	}
	resp.StopReason = string(out.StopReason)
	if out.Usage != nil {
		resp.TokensUsed = TokenUsage{
			InputTokens:  int(safeInt32(out.Usage.InputTokens)),
			OutputTokens: int(safeInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(safeInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

func safeInt32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

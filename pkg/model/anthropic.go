// Package model adapts hosted LLM APIs to the session runtime's Model
// interface. Adapters translate a tick's structured context into provider
// wire formats and fold replies back into neutral outputs.
package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomhq/loom/pkg/session"
)

const defaultMaxTokens = 4096

// Anthropic is a session.Model backed by the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic-backed model.
func NewAnthropic(apiKey, model string) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *Anthropic) Name() string {
	return p.model
}

func (p *Anthropic) Generate(ctx context.Context, input *session.ModelInput) (*session.ModelOutput, error) {
	messages := make([]anthropic.MessageParam, 0, len(input.Messages))

	for _, msg := range input.Messages {
		switch {
		case msg.Role == "system":
			// System content rides in the request's System field.
			continue
		case msg.Role == "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case msg.Role == "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	modelName := input.Model
	if modelName == "" {
		modelName = p.model
	}
	maxTokens := input.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if input.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: input.System}}
	}
	if input.Temperature > 0 {
		params.Temperature = anthropic.Float(input.Temperature)
	}
	if len(input.Tools) > 0 {
		params.Tools = anthropicTools(input.Tools)
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic call failed: %w", err)
	}

	output := &session.ModelOutput{
		StopReason: string(response.StopReason),
		Usage: session.TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			output.Content += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			output.ToolCalls = append(output.ToolCalls, session.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}

	return output, nil
}

func anthropicTools(defs []session.ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		toolParam := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
		}
		if def.InputSchema != nil {
			toolParam.InputSchema = anthropic.ToolInputSchemaParam{
				Properties: def.InputSchema["properties"],
			}
			if required, ok := def.InputSchema["required"].([]interface{}); ok {
				names := make([]string, 0, len(required))
				for _, v := range required {
					if s, ok := v.(string); ok {
						names = append(names, s)
					}
				}
				toolParam.InputSchema.Required = names
			} else if required, ok := def.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

// Package provider provides LLM provider abstraction using Eino framework.
package provider

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/relayforge/agentcore/pkg/types"
)

// Provider represents an LLM provider with Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	TopP        float64           `json:"topP,omitempty"`
	StopWords   []string          `json:"stopWords,omitempty"`
}

// CompletionStream wraps an Eino stream reader.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a new completion stream.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}

// ToolInfo represents a tool definition for the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts internal tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		// Parse parameters from JSON schema
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}

		result[i] = &schema.ToolInfo{
			Name: t.Name,
			Desc: t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// CompositorMessage is the minimal shape internal/composer.Message
// presents to the provider layer, duplicated here (rather than
// imported) to keep this package independent of the compositor.
type CompositorMessage struct {
	Role   string
	Blocks []types.ContentBlock
}

// ConvertToEinoMessages converts a composed, provider-neutral message
// list into Eino's schema.Message format, including tool_use/tool_result
// round-tripping.
func ConvertToEinoMessages(messages []CompositorMessage) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages))

	for _, msg := range messages {
		role := schema.Assistant
		switch msg.Role {
		case "user":
			role = schema.User
		case "system":
			role = schema.System
		case "tool":
			role = schema.Tool
		}

		var content string
		var toolCalls []schema.ToolCall
		var toolCallID string

		for _, b := range msg.Blocks {
			switch v := b.(type) {
			case types.TextBlock:
				content += v.Text
			case types.ThinkingBlock:
				// Thinking content is not replayed back to the provider as
				// input; it's produced output only.
			case types.ToolUseBlock:
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: v.ToolCallID,
					Function: schema.FunctionCall{
						Name:      v.ToolName,
						Arguments: string(v.Input),
					},
				})
			case types.ToolResultBlock:
				role = schema.Tool
				toolCallID = v.ToolCallID
				content += v.Content
			}
		}

		einoMsg := &schema.Message{
			Role:      role,
			Content:   content,
			ToolCalls: toolCalls,
		}
		if toolCallID != "" {
			einoMsg.ToolCallID = toolCallID
		}

		result = append(result, einoMsg)
	}

	return result
}

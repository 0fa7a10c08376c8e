package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

var _ Provider = (*GenAIProvider)(nil)

// GenAIProvider adapts the genai SDK's function-calling surface to the
// Provider interface the codegen tool loop drives. Messages and tool
// definitions are converted to genai Contents and FunctionDeclarations;
// the model's FunctionCall parts come back as ToolCalls. It lets the
// whole pipeline run on a single Gemini API key.
type GenAIProvider struct {
	apiKey  string
	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGenAIProvider creates a Gemini-backed tool-calling provider.
func NewGenAIProvider(apiKey string) *GenAIProvider {
	return &GenAIProvider{apiKey: apiKey}
}

func (p *GenAIProvider) Name() string { return "gemini" }

func (p *GenAIProvider) ensureClient(ctx context.Context) error {
	p.once.Do(func() {
		p.client, p.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return p.initErr
}

// ChatCompletion runs one turn of the tool-calling conversation.
func (p *GenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := p.ensureClient(ctx); err != nil {
		return nil, fmt.Errorf("genai provider: client init failed: %w", err)
	}

	cfg := &genai.GenerateContentConfig{}
	if len(req.Tools) > 0 {
		cfg.Tools = convertToolDefs(req.Tools)
	}

	contents, err := convertMessages(req.Messages, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai provider: %w", err)
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai provider: %w", err)
	}
	return convertChatResponse(resp)
}

// convertMessages maps the provider-neutral transcript onto genai
// Contents. The system message becomes the request's SystemInstruction;
// tool results become FunctionResponse parts; assistant tool calls
// become FunctionCall parts so the model sees its own prior requests.
func convertMessages(messages []Message, cfg *genai.GenerateContentConfig) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				content.Parts = append(content.Parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						return nil, fmt.Errorf("unmarshal tool call args: %w", err)
					}
				}
				content.Parts = append(content.Parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
			contents = append(contents, content)
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{
					genai.NewPartFromFunctionResponse(m.ToolCallID, map[string]any{"result": m.Content}),
				},
			})
		}
	}
	return contents, nil
}

func convertToolDefs(defs []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		fd := &genai.FunctionDeclaration{Name: d.Name, Description: d.Description}
		if d.Parameters != nil {
			fd.ParametersJsonSchema = d.Parameters
		}
		decls = append(decls, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func convertChatResponse(resp *genai.GenerateContentResponse) (*ChatResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return &ChatResponse{FinishReason: "stop"}, nil
	}
	c := resp.Candidates[0]

	out := &ChatResponse{FinishReason: string(c.FinishReason)}
	for i, part := range c.Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("marshal function call args: %w", err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}
	return out, nil
}

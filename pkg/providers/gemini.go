package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/hive/internal/config"
	"google.golang.org/genai"
)

// GeminiProvider talks to the Gemini API through the genai SDK. The client is
// created lazily on first use.
type GeminiProvider struct {
	id      string
	model   string
	apiKey  string
	baseURL string

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiProvider creates a Gemini adapter.
func NewGeminiProvider(id, apiKey, model, baseURL string) *GeminiProvider {
	return &GeminiProvider{id: id, model: model, apiKey: apiKey, baseURL: baseURL}
}

func (p *GeminiProvider) ID() string                { return p.id }
func (p *GeminiProvider) Kind() config.ProviderKind { return config.ProviderGemini }

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		cc := &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if p.baseURL != "" {
			cc.HTTPOptions.BaseURL = p.baseURL
		}
		p.client, p.initErr = genai.NewClient(ctx, cc)
	})
	return p.client, p.initErr
}

func (p *GeminiProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	cfg := &genai.GenerateContentConfig{}
	if system := systemPrompt(req); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	result, err := client.Models.GenerateContent(ctx, model, geminiContents(req.Messages), cfg)
	if err != nil {
		return nil, err
	}

	resp := &Response{Content: result.Text(), Model: model}
	for i, fc := range result.FunctionCalls() {
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", fc.Name, i)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: fc.Args})
	}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}

func geminiContents(history []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, tc.Arguments))
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case RoleTool:
			contents = append(contents, genai.NewContentFromFunctionResponse(
				msg.Name, map[string]any{"output": msg.Content}, genai.RoleUser))
		}
	}
	return contents
}

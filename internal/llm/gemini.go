package llm

import (
	"context"
	"fmt"
	"iter"
	"sync"

	adkmodel "google.golang.org/adk/model"
	"google.golang.org/genai"
)

var _ adkmodel.LLM = (*GeminiLLM)(nil)

// GeminiLLM uses the google.golang.org/genai Go SDK directly for the
// single-shot structured-JSON calls the pipeline stages make through
// JSONCall. The client is created lazily on first use, shared for the
// process lifetime, and safe for parallel requests.
type GeminiLLM struct {
	apiKey  string
	name    string
	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiLLM creates a Gemini adapter authenticated with apiKey.
func NewGeminiLLM(apiKey string) *GeminiLLM {
	return &GeminiLLM{name: "gemini", apiKey: apiKey}
}

func (g *GeminiLLM) Name() string { return g.name }

func (g *GeminiLLM) ensureClient(ctx context.Context) error {
	g.once.Do(func() {
		g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return g.initErr
}

func (g *GeminiLLM) GenerateContent(ctx context.Context, req *adkmodel.LLMRequest, stream bool) iter.Seq2[*adkmodel.LLMResponse, error] {
	return func(yield func(*adkmodel.LLMResponse, error) bool) {
		if err := g.ensureClient(ctx); err != nil {
			yield(nil, fmt.Errorf("gemini: client init failed: %w", err))
			return
		}

		cfg := req.Config
		if cfg == nil {
			cfg = &genai.GenerateContentConfig{}
		}

		if stream {
			for resp, err := range g.client.Models.GenerateContentStream(ctx, req.Model, req.Contents, cfg) {
				if err != nil {
					yield(nil, fmt.Errorf("gemini: %w", err))
					return
				}
				if !yield(convertGeminiResponse(resp), nil) {
					return
				}
			}
			return
		}

		resp, err := g.client.Models.GenerateContent(ctx, req.Model, req.Contents, cfg)
		if err != nil {
			yield(nil, fmt.Errorf("gemini: %w", err))
			return
		}
		yield(convertGeminiResponse(resp), nil)
	}
}

func convertGeminiResponse(resp *genai.GenerateContentResponse) *adkmodel.LLMResponse {
	if resp == nil || len(resp.Candidates) == 0 {
		return &adkmodel.LLMResponse{TurnComplete: true}
	}
	c := resp.Candidates[0]
	turnComplete := c.FinishReason != "" && c.FinishReason != genai.FinishReasonUnspecified
	r := &adkmodel.LLMResponse{
		Content:      c.Content,
		TurnComplete: turnComplete,
		FinishReason: c.FinishReason,
	}
	if resp.UsageMetadata != nil {
		r.UsageMetadata = resp.UsageMetadata
	}
	return r
}

package llm

import (
	"context"
	"iter"

	adkmodel "google.golang.org/adk/model"
	"google.golang.org/genai"
)

// MockLLM implements adkmodel.LLM by returning a queue of canned JSON
// responses in order. It exists so every stage that calls JSONCall can
// be exercised deterministically in tests.
type MockLLM struct {
	name      string
	responses []string
	calls     int
	Err       error
}

var _ adkmodel.LLM = (*MockLLM)(nil)

// NewMockLLM creates a MockLLM that returns each response in responses,
// in order, for successive GenerateContent calls. The last response
// repeats if GenerateContent is called more times than len(responses).
func NewMockLLM(responses ...string) *MockLLM {
	return &MockLLM{name: "mock", responses: responses}
}

func (m *MockLLM) Name() string { return m.name }

func (m *MockLLM) GenerateContent(ctx context.Context, req *adkmodel.LLMRequest, stream bool) iter.Seq2[*adkmodel.LLMResponse, error] {
	return func(yield func(*adkmodel.LLMResponse, error) bool) {
		if m.Err != nil {
			yield(nil, m.Err)
			return
		}
		idx := m.calls
		if idx >= len(m.responses) {
			idx = len(m.responses) - 1
		}
		m.calls++
		text := ""
		if idx >= 0 {
			text = m.responses[idx]
		}
		resp := &adkmodel.LLMResponse{
			Content: &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{genai.NewPartFromText(text)},
			},
			TurnComplete: true,
		}
		yield(resp, nil)
	}
}

// Calls reports how many times GenerateContent has been invoked.
func (m *MockLLM) Calls() int { return m.calls }

// MockProvider implements Provider with a scripted sequence of
// ChatResponses, used to exercise the codegen tool-calling loop.
type MockProvider struct {
	NameValue string
	Responses []ChatResponse
	calls     int
	Err       error
}

var _ Provider = (*MockProvider)(nil)

func (p *MockProvider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

func (p *MockProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if p.calls >= len(p.Responses) {
		return nil, context.DeadlineExceeded
	}
	resp := p.Responses[p.calls]
	p.calls++
	return &resp, nil
}

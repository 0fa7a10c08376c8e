// Package llm wraps the two LLM call shapes ForgeFlow's stages need:
// single-shot structured-JSON calls (conversation extraction, discovery
// rerank, data mapping, self-debug classify/patch) built on the ADK
// model.LLM interface, and multi-turn tool-calling calls (the code
// generator) built on the simpler provider.Provider interface. Both are
// process-wide singletons, initialized once at startup.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	adkmodel "google.golang.org/adk/model"
	"google.golang.org/genai"
)

// JSONCall sends a single-shot request with a system prompt and user
// content, and parses the first JSON value out of the response text. It
// is the shared plumbing behind every LLM call whose output affects
// control flow and is therefore parsed against a fixed schema.
//
// out must be a pointer; JSONCall decodes into it with json.Decoder so
// trailing commentary after the JSON object is ignored.
func JSONCall(ctx context.Context, client adkmodel.LLM, model, systemPrompt, userContent string, out any) (raw string, err error) {
	req := &adkmodel.LLMRequest{
		Model: model,
		Config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		},
		Contents: []*genai.Content{
			genai.NewContentFromText(userContent, genai.RoleUser),
		},
	}

	var resp *adkmodel.LLMResponse
	for r, callErr := range client.GenerateContent(ctx, req, false) {
		if callErr != nil {
			return "", fmt.Errorf("llm call: %w", callErr)
		}
		resp = r
	}
	if resp == nil || resp.Content == nil {
		return "", fmt.Errorf("llm call: empty response")
	}

	text := ExtractText(resp)
	content, err := StripMarkdownJSON(text)
	if err != nil {
		return text, fmt.Errorf("llm call: %w\nraw output: %s", err, text)
	}

	if err := json.NewDecoder(strings.NewReader(content)).Decode(out); err != nil {
		return text, fmt.Errorf("llm call: parse response: %w\nraw output: %s", err, content)
	}
	return text, nil
}

// ExtractText concatenates all text parts of an LLMResponse.
func ExtractText(resp *adkmodel.LLMResponse) string {
	if resp == nil || resp.Content == nil {
		return ""
	}
	var text string
	for _, p := range resp.Content.Parts {
		if p.Text != "" {
			text += p.Text
		}
	}
	return text
}

// StripMarkdownJSON extracts a JSON object from text that may be wrapped
// in markdown code fences or preceded by commentary.
func StripMarkdownJSON(text string) (string, error) {
	content := strings.TrimSpace(text)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := -1
	for i := 0; i < len(content); i++ {
		if content[i] == '{' {
			if i+1 < len(content) && content[i+1] == '{' {
				i++
				continue
			}
			start = i
			break
		}
	}
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in text")
	}
	return content[start:], nil
}

package llm

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"loom/internal/logging"
	"loom/internal/types"
)

// =============================================================================
// GEMINI EVALUATOR
// =============================================================================

// GeminiEvaluator backs the Evaluator interface with the Gemini API. It is
// optional: when no API key is configured the observer and reviewer fall back
// to deterministic heuristics.
type GeminiEvaluator struct {
	client *genai.Client
	model  string
}

// NewGeminiEvaluator creates a Gemini-backed evaluator.
func NewGeminiEvaluator(apiKey, model string) (*GeminiEvaluator, error) {
	if apiKey == "" {
		return nil, types.E(types.KindValidation, "evaluator API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, types.Wrap(types.KindLLMFatal, err, "create genai client")
	}

	return &GeminiEvaluator{client: client, model: model}, nil
}

// Complete sends one system+user prompt pair and returns the model's text.
func (e *GeminiEvaluator) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	timer := logging.StartTimer(logging.CategoryRunner, "gemini_complete")
	result, err := e.client.Models.GenerateContent(ctx, e.model, contents, cfg)
	timer.Stop()
	if err != nil {
		if ctx.Err() != nil {
			return "", types.Wrap(types.KindLLMTransient, err, "gemini call cancelled")
		}
		return "", types.Wrap(types.KindLLMTransient, err, "gemini generate failed")
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", types.E(types.KindLLMTransient, "gemini returned empty response")
	}
	return text, nil
}

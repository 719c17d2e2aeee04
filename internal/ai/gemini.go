package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/nhle/reply-optimizer/internal/model"
)

const defaultGeminiModel = "gemini-2.0-pro"

// geminiModels is the subset of *genai.Models the generator calls.
type geminiModels interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator drafts replies with the Gemini API.
type GeminiGenerator struct {
	models      geminiModels
	model       string
	maxTokens   int
	temperature float64
}

// NewGeminiGenerator creates a Gemini API client authenticated with
// opts.APIKey.
func NewGeminiGenerator(ctx context.Context, opts Options) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	return newGeminiGenerator(client.Models, opts), nil
}

func newGeminiGenerator(models geminiModels, opts Options) *GeminiGenerator {
	name := opts.Model
	if name == "" {
		name = defaultGeminiModel
	}
	return &GeminiGenerator{
		models:      models,
		model:       name,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}
}

// Generate implements Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (*model.ReplyDraft, error) {
	return draft(ctx, g.model, req, g.complete)
}

func (g *GeminiGenerator) complete(ctx context.Context, prompt string) (completion, error) {
	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(g.temperature)),
		ResponseMIMEType: "application/json",
	}
	if g.maxTokens > 0 && g.maxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(g.maxTokens)
	}

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return completion{}, err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return completion{}, &GenerationError{Reason: ReasonInvalidResponse, Err: errors.New("no candidates in response")}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}

	out := completion{text: sb.String()}
	if resp.UsageMetadata != nil {
		out.tokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Package ai turns incoming e-mails into reply drafts using an LLM provider.
package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/reply-optimizer/internal/model"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Request is everything a generator needs to draft one reply.
type Request struct {
	SessionID    string
	Instructions string
	Message      model.EmailMessage

	// Conversation holds earlier turns of the thread, oldest first.
	Conversation []model.ThreadTurn
}

// Generator drafts a reply. Failures are *GenerationError; a cancelled
// context is returned as context.Canceled.
type Generator interface {
	Generate(ctx context.Context, req Request) (*model.ReplyDraft, error)
}

// completion is the raw output of one provider call.
type completion struct {
	text   string
	tokens int
}

// draft runs a provider call for req and turns its JSON answer into a
// ReplyDraft.
func draft(
	ctx context.Context,
	modelName string,
	req Request,
	call func(ctx context.Context, prompt string) (completion, error),
) (*model.ReplyDraft, error) {
	prompt := BuildPrompt(req)

	start := time.Now()
	out, err := call(ctx, prompt)
	latency := time.Since(start)
	if err != nil {
		return nil, classify(err)
	}

	body, err := ParseReply(out.text)
	if err != nil {
		return nil, err
	}

	return &model.ReplyDraft{
		Text:        body,
		Tokens:      out.tokens,
		Latency:     latency,
		GeneratedAt: time.Now(),
		Model:       modelName,
	}, nil
}

// Options configures provider-backed generators.
type Options struct {
	Provider    string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64

	// RatePerSecond and Burst throttle calls; zero disables throttling.
	RatePerSecond float64
	Burst         int
}

// OptionsFor merges process-wide AI settings with a session's overrides.
func OptionsFor(cfg model.AIConfig, session model.SessionConfig, defaultKey string) Options {
	opts := Options{
		Provider:      cfg.Provider,
		Model:         cfg.Model,
		APIKey:        defaultKey,
		MaxTokens:     cfg.MaxTokens,
		Temperature:   cfg.Temperature,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}
	if session.AIProvider != "" {
		opts.Provider = session.AIProvider
	}
	if session.AIModel != "" {
		opts.Model = session.AIModel
	}
	if session.AIKey != "" {
		opts.APIKey = session.AIKey
	}
	return opts
}

// New builds the generator selected by opts.
func New(ctx context.Context, opts Options) (Generator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", opts.Provider)
	}

	var gen Generator
	switch opts.Provider {
	case ProviderGemini, "":
		g, err := NewGeminiGenerator(ctx, opts)
		if err != nil {
			return nil, err
		}
		gen = g
	case ProviderOpenAI:
		gen = NewOpenAIGenerator(opts)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", opts.Provider)
	}

	if opts.RatePerSecond > 0 {
		gen = NewRateLimited(gen, opts.RatePerSecond, opts.Burst)
	}
	return gen, nil
}

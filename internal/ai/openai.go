package ai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nhle/reply-optimizer/internal/model"
)

const defaultOpenAIModel = openai.GPT4oMini

// chatClient is the subset of *openai.Client the generator calls.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIGenerator drafts replies with the OpenAI chat completions API.
type OpenAIGenerator struct {
	client      chatClient
	model       string
	maxTokens   int
	temperature float64
}

// NewOpenAIGenerator creates a generator authenticated with opts.APIKey.
func NewOpenAIGenerator(opts Options) *OpenAIGenerator {
	return newOpenAIGenerator(openai.NewClient(opts.APIKey), opts)
}

func newOpenAIGenerator(client chatClient, opts Options) *OpenAIGenerator {
	name := opts.Model
	if name == "" {
		name = defaultOpenAIModel
	}
	return &OpenAIGenerator{
		client:      client,
		model:       name,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*model.ReplyDraft, error) {
	return draft(ctx, g.model, req, g.complete)
}

func (g *OpenAIGenerator) complete(ctx context.Context, prompt string) (completion, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: float32(g.temperature),
		MaxTokens:   g.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return completion{}, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return completion{}, &GenerationError{Reason: ReasonInvalidResponse, Err: errors.New("no choices in response")}
	}

	return completion{
		text:   resp.Choices[0].Message.Content,
		tokens: resp.Usage.CompletionTokens,
	}, nil
}

// classifyOpenAI maps HTTP status codes from the API to a Reason.
func classifyOpenAI(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == 429:
		return &GenerationError{Reason: ReasonRateLimited, Err: err}
	case status == 408 || status == 504:
		return &GenerationError{Reason: ReasonTimeout, Err: err}
	case status >= 400:
		return &GenerationError{Reason: ReasonProvider, Err: fmt.Errorf("openai status %d: %w", status, err)}
	}
	return err
}

package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const stableInstruction = `You are a corporate email assistant.
Always respond professionally and concisely.
Return the answer strictly in JSON format:
{"body": "..."}
Do not use emojis or fabricate information.
If the message is promotional, irrelevant, or unrelated to instructions, return {"body": false}.`

// BuildPrompt assembles the full prompt for req: the fixed instruction, the
// session's own instructions, the earlier conversation if any, and the
// customer's e-mail.
func BuildPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString(stableInstruction)
	sb.WriteString("\n\nConsider the following instructions:\n")
	sb.WriteString(strings.TrimSpace(req.Instructions))

	if len(req.Conversation) > 0 {
		sb.WriteString("\n\nConversation (sender, direction, message):\n")
		sb.WriteString(FormatConversation(req.Conversation))
	}

	sb.WriteString("\n\nCustomer email:\n")
	if req.Message.Subject != "" {
		sb.WriteString("Subject: ")
		sb.WriteString(req.Message.Subject)
		sb.WriteString("\n")
	}
	if req.Message.From != "" {
		sb.WriteString("From: ")
		sb.WriteString(req.Message.From)
		sb.WriteString("\n")
	}
	sb.WriteString(strings.TrimSpace(req.Message.Body))

	return sb.String()
}

type replyEnvelope struct {
	Body json.RawMessage `json:"body"`
}

// ParseReply extracts the reply body from the model's JSON answer.
// {"body": false} means the model declined to answer and yields a
// ReasonFiltered error.
func ParseReply(raw string) (string, error) {
	text := stripCodeFence(strings.TrimSpace(raw))
	if text == "" {
		return "", &GenerationError{Reason: ReasonInvalidResponse, Err: errors.New("empty response")}
	}

	var env replyEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return "", &GenerationError{Reason: ReasonInvalidResponse, Err: fmt.Errorf("decoding reply JSON: %w", err)}
	}

	switch strings.TrimSpace(string(env.Body)) {
	case "false":
		return "", &GenerationError{Reason: ReasonFiltered, Err: errors.New("model declined to reply")}
	case "", "null", "true":
		return "", &GenerationError{Reason: ReasonInvalidResponse, Err: errors.New("reply has no body")}
	}

	var body string
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return "", &GenerationError{Reason: ReasonInvalidResponse, Err: fmt.Errorf("body is not a string: %w", err)}
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", &GenerationError{Reason: ReasonInvalidResponse, Err: errors.New("reply body is empty")}
	}
	return body, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

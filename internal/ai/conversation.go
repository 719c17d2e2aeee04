package ai

import (
	"fmt"
	"strings"

	"github.com/nhle/reply-optimizer/internal/model"
)

// TrimConversation bounds a thread to maxTurns entries. The first turn,
// which opened the thread, is always kept; the oldest turns after it are
// dropped.
func TrimConversation(turns []model.ThreadTurn, maxTurns int) []model.ThreadTurn {
	if maxTurns <= 0 || len(turns) <= maxTurns {
		return turns
	}
	if maxTurns == 1 {
		return turns[len(turns)-1:]
	}

	trimmed := make([]model.ThreadTurn, 0, maxTurns)
	trimmed = append(trimmed, turns[0])
	excess := len(turns) - maxTurns
	trimmed = append(trimmed, turns[1+excess:]...)
	return trimmed
}

// FormatConversation renders turns one per line for the prompt.
func FormatConversation(turns []model.ThreadTurn) string {
	var sb strings.Builder
	for _, t := range turns {
		body := strings.Join(strings.Fields(t.Body), " ")
		fmt.Fprintf(&sb, "- %s, %s, %s\n", t.Sender, t.Direction, body)
	}
	return strings.TrimRight(sb.String(), "\n")
}

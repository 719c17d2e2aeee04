package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/reply-optimizer/internal/model"
)

// BuildReply addresses a reply to src from the session mailbox, keeping the
// thread headers so mail clients group it with the message it answers.
func BuildReply(src model.EmailMessage, from, body string) model.OutgoingMessage {
	refs := make([]string, 0, len(src.References)+1)
	seen := make(map[string]bool)
	for _, id := range src.References {
		if id != "" && !seen[id] {
			seen[id] = true
			refs = append(refs, id)
		}
	}
	if src.MessageID != "" && !seen[src.MessageID] {
		refs = append(refs, src.MessageID)
	}

	return model.OutgoingMessage{
		MessageID:  NewMessageID(from),
		From:       from,
		To:         []string{src.From},
		Subject:    model.ReplySubject(src.Subject),
		InReplyTo:  src.MessageID,
		References: refs,
		Body:       body,
	}
}

// NewMessageID returns a unique message id in the domain of address.
func NewMessageID(address string) string {
	domain := "localhost"
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		domain = address[i+1:]
	}
	return uuid.New().String() + "@" + domain
}

// WriteMessage renders msg as a single-part text/plain RFC 5322 message.
func WriteMessage(w io.Writer, msg model.OutgoingMessage) error {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: msg.From}})

	to := make([]*mail.Address, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)

	if msg.MessageID != "" {
		h.SetMessageID(msg.MessageID)
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if len(msg.References) > 0 {
		h.SetMsgIDList("References", msg.References)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	body, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(body, msg.Body); err != nil {
		body.Close()
		return fmt.Errorf("writing message body: %w", err)
	}
	return body.Close()
}

// renderMessage is WriteMessage into a buffer.
func renderMessage(msg model.OutgoingMessage) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		return nil, err
	}
	return &buf, nil
}

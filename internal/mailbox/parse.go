package mailbox

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/reply-optimizer/internal/model"
)

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// parseMessage parses a raw RFC 5322 message with go-message. The plain-text
// body is preferred; an HTML-only body is reduced to text.
func parseMessage(uid uint32, raw []byte, receivedAt time.Time) model.EmailMessage {
	msg := model.EmailMessage{UID: uid, ReceivedAt: receivedAt}
	if len(raw) == 0 {
		return msg
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text.
		msg.Body = strings.TrimSpace(string(raw))
		return msg
	}
	defer mr.Close()

	h := mr.Header
	msg.MessageID, _ = h.MessageID()
	msg.Subject, _ = h.Subject()
	msg.InReplyTo, _ = h.MsgIDList("In-Reply-To")
	msg.References, _ = h.MsgIDList("References")

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, addr := range to {
			msg.To = append(msg.To, addr.Address)
		}
	}
	if msg.ReceivedAt.IsZero() {
		if date, err := h.Date(); err == nil {
			msg.ReceivedAt = date
		}
	}

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	msg.Body = strings.TrimSpace(textBody)
	if msg.Body == "" {
		msg.Body = stripHTML(htmlBody)
	}
	return msg
}

// stripHTML removes HTML tags from a string and decodes common
// entities, providing a basic plain-text rendering.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}

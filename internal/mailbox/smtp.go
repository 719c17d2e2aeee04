package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/reply-optimizer/internal/model"
)

// SMTP reply codes that mean the server refused the credentials.
var authFailureCodes = map[int]bool{
	530: true,
	534: true,
	535: true,
}

// SMTPSender delivers replies through the account's submission server.
// Each Send opens its own connection.
type SMTPSender struct {
	account model.MailboxAccount
}

// NewSMTPSender creates a sender for account.
func NewSMTPSender(account model.MailboxAccount) *SMTPSender {
	return &SMTPSender{account: account}
}

// Send authenticates with PLAIN and submits msg. Implicit TLS is used when
// the account asks for it; otherwise the connection is upgraded with
// STARTTLS.
func (s *SMTPSender) Send(ctx context.Context, msg model.OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := renderMessage(msg)
	if err != nil {
		return err
	}

	addr := s.account.SMTPAddr()
	tlsConfig := &tls.Config{ServerName: s.account.SMTPHost}

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return s.failed(ctx, "connecting to SMTP "+addr, err)
	}

	// Armed before the greeting is read so a silent server cannot outlast ctx.
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	conn := raw
	if s.account.TLS {
		conn = tls.Client(raw, tlsConfig)
	}
	client, err := smtp.NewClient(conn, s.account.SMTPHost)
	if err != nil {
		_ = raw.Close()
		return s.failed(ctx, "SMTP greeting from "+addr, err)
	}
	defer client.Close()

	if !s.account.TLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return s.failed(ctx, "SMTP STARTTLS", err)
		}
	}

	username := s.account.Username
	if username == "" {
		username = s.account.Address
	}
	if err := client.Auth(sasl.NewPlainClient("", username, s.account.Password)); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && authFailureCodes[smtpErr.Code] {
			return &AuthError{Protocol: "smtp", Username: username, Err: err}
		}
		return s.failed(ctx, "SMTP auth", err)
	}

	if err := client.SendMail(msg.From, msg.To, body); err != nil {
		return s.submitFailure(ctx, username, msg.To, err)
	}

	// The message is accepted at this point; a failed QUIT must not trigger a resend.
	_ = client.Quit()
	return nil
}

// submitFailure classifies a failed MAIL/RCPT/DATA exchange. A 5xx reply
// refuses the message itself and is not worth resending.
func (s *SMTPSender) submitFailure(ctx context.Context, username string, to []string, err error) error {
	var smtpErr *smtp.SMTPError
	if ctx.Err() == nil && errors.As(err, &smtpErr) {
		switch {
		case authFailureCodes[smtpErr.Code]:
			return &AuthError{Protocol: "smtp", Username: username, Err: err}
		case smtpErr.Code >= 500 && smtpErr.Code < 600:
			return &SendError{Code: smtpErr.Code, Err: err}
		}
	}
	return s.failed(ctx, fmt.Sprintf("sending reply to %v", to), err)
}

func (s *SMTPSender) failed(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &NetworkError{Op: op, Err: err}
}

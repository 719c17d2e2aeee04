package mailbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nhle/reply-optimizer/internal/model"
)

// Client is the production Transport: IMAP for reading, SMTP for sending.
type Client struct {
	reader *IMAPReader
	sender *SMTPSender
}

var (
	_ Transport = (*Client)(nil)
	_ Flagger   = (*Client)(nil)
)

// NewClient creates an unconnected client for account.
func NewClient(account model.MailboxAccount, logger *slog.Logger) *Client {
	return &Client{
		reader: NewIMAPReader(account, logger),
		sender: NewSMTPSender(account),
	}
}

// NewFactory returns a Factory producing Clients that log to logger.
func NewFactory(logger *slog.Logger) Factory {
	return func(account model.MailboxAccount) (Transport, error) {
		if account.IMAPHost == "" || account.SMTPHost == "" {
			return nil, errors.New("mailbox account needs both IMAP and SMTP hosts")
		}
		return NewClient(account, logger), nil
	}
}

func (c *Client) Connect(ctx context.Context) error {
	return c.reader.Connect(ctx)
}

func (c *Client) PollNewSince(ctx context.Context, watermark uint32) ([]model.EmailMessage, error) {
	return c.reader.PollNewSince(ctx, watermark)
}

func (c *Client) Send(ctx context.Context, msg model.OutgoingMessage) error {
	return c.sender.Send(ctx, msg)
}

func (c *Client) MarkSeen(ctx context.Context, uid uint32) error {
	return c.reader.MarkSeen(ctx, uid)
}

func (c *Client) Close() error {
	return c.reader.Close()
}

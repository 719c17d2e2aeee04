package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/reply-optimizer/internal/model"
)

const (
	inbox = "INBOX"

	// logoutTimeout bounds the LOGOUT exchange in Close.
	logoutTimeout = 5 * time.Second
)

// IMAPReader keeps one authenticated IMAP connection with INBOX selected.
// The lock guards the connection fields only; it is never held across
// network I/O, so Close can always interrupt a stalled server.
type IMAPReader struct {
	account model.MailboxAccount
	logger  *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
	// conn is the TCP connection under client, or under a Connect still in
	// progress.
	conn net.Conn
}

// NewIMAPReader creates an unconnected reader for account.
func NewIMAPReader(account model.MailboxAccount, logger *slog.Logger) *IMAPReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPReader{account: account, logger: logger}
}

// Connect dials the server, authenticates and selects INBOX. A rejected
// login is reported as *AuthError; anything else as *NetworkError. The
// connection is closed as soon as ctx ends, including while waiting for the
// server greeting.
func (r *IMAPReader) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.client != nil {
		r.mu.Unlock()
		return nil
	}
	if r.conn != nil {
		r.mu.Unlock()
		return &NetworkError{Op: "imap", Err: errors.New("connect already in progress")}
	}
	r.mu.Unlock()

	addr := r.account.IMAPAddr()

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &NetworkError{Op: "connecting to IMAP " + addr, Err: err}
	}

	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	r.mu.Lock()
	r.conn = raw
	r.mu.Unlock()

	client, err := r.handshake(raw)
	if err != nil {
		return r.abort(ctx, raw, client, &NetworkError{Op: "connecting to IMAP " + addr, Err: err})
	}

	if err := client.Login(r.username(), r.account.Password).Wait(); err != nil {
		if ctx.Err() == nil && isServerRejection(err) {
			err = &AuthError{Protocol: "imap", Username: r.username(), Err: err}
		} else {
			err = &NetworkError{Op: "IMAP login", Err: err}
		}
		return r.abort(ctx, raw, client, err)
	}

	if _, err := client.Select(inbox, nil).Wait(); err != nil {
		return r.abort(ctx, raw, client, &NetworkError{Op: "selecting " + inbox, Err: err})
	}

	r.mu.Lock()
	if r.conn != raw || ctx.Err() != nil {
		r.mu.Unlock()
		// Close ran while connecting, or ctx ended after the last command.
		return r.abort(ctx, raw, client, &NetworkError{Op: "connecting to IMAP " + addr, Err: errors.New("reader closed")})
	}
	r.client = client
	r.mu.Unlock()

	r.logger.Debug("imap connected", "addr", addr, "username", r.username())
	return nil
}

// handshake wraps raw in an IMAP client and waits for the greeting,
// upgrading with STARTTLS unless the account uses implicit TLS.
func (r *IMAPReader) handshake(raw net.Conn) (*imapclient.Client, error) {
	tlsConfig := &tls.Config{ServerName: r.account.IMAPHost}

	if r.account.TLS {
		tlsConfig.NextProtos = []string{"imap"}
		client := imapclient.New(tls.Client(raw, tlsConfig), nil)
		return client, client.WaitGreeting()
	}
	return imapclient.NewStartTLS(raw, &imapclient.Options{TLSConfig: tlsConfig})
}

// abort tears down a failed Connect. Cancellation wins over err.
func (r *IMAPReader) abort(ctx context.Context, raw net.Conn, client *imapclient.Client, err error) error {
	r.mu.Lock()
	if r.conn == raw {
		r.conn = nil
	}
	r.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	_ = raw.Close()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *IMAPReader) username() string {
	if r.account.Username != "" {
		return r.account.Username
	}
	return r.account.Address
}

// isServerRejection reports whether err is a tagged NO/BAD response from
// the server rather than a transport failure.
func isServerRejection(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr)
}

func (r *IMAPReader) active() (*imapclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil, &NetworkError{Op: "imap", Err: errors.New("not connected")}
	}
	return r.client, nil
}

// PollNewSince searches INBOX for unseen messages with a uid above watermark
// and fetches them. Messages are peeked so they stay unseen until MarkSeen.
func (r *IMAPReader) PollNewSince(ctx context.Context, watermark uint32) ([]model.EmailMessage, error) {
	client, err := r.active()
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	criteria := &imap.SearchCriteria{
		UID:     []imap.UIDSet{{imap.UIDRange{Start: imap.UID(watermark + 1), Stop: 0}}},
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, r.failed(ctx, "searching "+inbox, err)
	}

	// "n:*" always matches the highest uid, even when it is below n.
	var uids []imap.UID
	for _, uid := range searchData.AllUIDs() {
		if uint32(uid) > watermark {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:     true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	var messages []model.EmailMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			r.logger.Warn("unreadable message", "seq", msg.SeqNum, "error", err)
			continue
		}

		parsed := parseMessage(uint32(buf.UID), buf.FindBodySection(bodySection), buf.InternalDate)
		fillFromEnvelope(&parsed, buf.Envelope)
		messages = append(messages, parsed)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, r.failed(ctx, "fetching messages", err)
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })
	return contiguous(uids, messages), nil
}

// contiguous drops every message at or above the lowest requested uid that
// was not fetched. Handing later messages to the caller would move its
// watermark past the missing one, which then would never be polled again.
func contiguous(requested []imap.UID, fetched []model.EmailMessage) []model.EmailMessage {
	got := make(map[uint32]bool, len(fetched))
	for _, m := range fetched {
		got[m.UID] = true
	}

	limit := uint32(0)
	for _, uid := range requested {
		if !got[uint32(uid)] && (limit == 0 || uint32(uid) < limit) {
			limit = uint32(uid)
		}
	}
	if limit == 0 {
		return fetched
	}

	out := fetched[:0]
	for _, m := range fetched {
		if m.UID < limit {
			out = append(out, m)
		}
	}
	return out
}

// MarkSeen adds the \Seen flag to uid.
func (r *IMAPReader) MarkSeen(ctx context.Context, uid uint32) error {
	client, err := r.active()
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	storeCmd := client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return r.failed(ctx, fmt.Sprintf("marking uid %d seen", uid), err)
	}
	return nil
}

// failed drops the connection and wraps err. Cancellation is returned as is.
func (r *IMAPReader) failed(ctx context.Context, op string, err error) error {
	r.mu.Lock()
	client := r.client
	r.client, r.conn = nil, nil
	r.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &NetworkError{Op: op, Err: err}
}

// Close logs out and closes the connection. A Connect in progress is
// interrupted. A server that does not answer LOGOUT within logoutTimeout is
// disconnected anyway.
func (r *IMAPReader) Close() error {
	r.mu.Lock()
	client, raw := r.client, r.conn
	r.client, r.conn = nil, nil
	r.mu.Unlock()

	if client == nil {
		if raw != nil {
			return raw.Close()
		}
		return nil
	}

	timer := time.AfterFunc(logoutTimeout, func() { _ = raw.Close() })
	defer timer.Stop()

	_ = client.Logout().Wait()
	return client.Close()
}

// fillFromEnvelope completes fields the MIME headers did not provide.
func fillFromEnvelope(msg *model.EmailMessage, env *imap.Envelope) {
	if env == nil {
		return
	}
	if msg.MessageID == "" {
		msg.MessageID = env.MessageID
	}
	if msg.Subject == "" {
		msg.Subject = env.Subject
	}
	if msg.From == "" && len(env.From) > 0 {
		msg.From = env.From[0].Addr()
	}
	if len(msg.To) == 0 {
		for _, to := range env.To {
			msg.To = append(msg.To, to.Addr())
		}
	}
	if len(msg.InReplyTo) == 0 {
		msg.InReplyTo = env.InReplyTo
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = env.Date
	}
}

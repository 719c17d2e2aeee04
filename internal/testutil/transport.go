package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhle/reply-optimizer/internal/mailbox"
	"github.com/nhle/reply-optimizer/internal/model"
)

// Message returns a realistic inbound message with the given uid.
func Message(uid uint32) model.EmailMessage {
	return model.EmailMessage{
		UID:        uid,
		MessageID:  fmt.Sprintf("m%d@customer.test", uid),
		From:       "customer@customer.test",
		To:         []string{"support@shop.test"},
		Subject:    fmt.Sprintf("Question %d", uid),
		Body:       fmt.Sprintf("Hello, this is message %d.", uid),
		ReceivedAt: time.Date(2026, 1, 5, 9, 0, int(uid), 0, time.UTC),
	}
}

// FakeTransport is a scripted mailbox. Poll results, connect errors and send
// errors are queued and consumed in order; once a queue is empty the call
// succeeds (polls return no messages). Polls ignore the watermark, so a
// queued batch can redeliver messages the caller has already handled.
type FakeTransport struct {
	mu sync.Mutex

	connectErrs []error
	pollErrs    []error
	sendErrs    []error
	batches     [][]model.EmailMessage

	connects   int
	polls      int
	watermarks []uint32
	sendCalls  int
	sent       []model.OutgoingMessage
	seen       []uint32
	closed     int

	sendStarted chan struct{}
	sendGate    chan struct{}
	closeGate   chan struct{}
	polled      chan struct{}
}

var (
	_ mailbox.Transport = (*FakeTransport)(nil)
	_ mailbox.Flagger   = (*FakeTransport)(nil)
)

// NewFakeTransport returns an empty FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{polled: make(chan struct{}, 64)}
}

// QueueBatch queues the result of one poll.
func (f *FakeTransport) QueueBatch(msgs ...model.EmailMessage) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, msgs)
	return f
}

// QueueConnectError makes the next Connect fail with err.
func (f *FakeTransport) QueueConnectError(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, err)
	return f
}

// QueuePollError makes the next poll fail with err.
func (f *FakeTransport) QueuePollError(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErrs = append(f.pollErrs, err)
	return f
}

// QueueSendError makes the next send attempt fail with err.
func (f *FakeTransport) QueueSendError(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, err)
	return f
}

// HoldSends blocks every Send until release is called. started receives a
// value each time a Send begins.
func (f *FakeTransport) HoldSends() (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendStarted = make(chan struct{}, 16)
	f.sendGate = make(chan struct{})
	gate := f.sendGate
	var once sync.Once
	return f.sendStarted, func() { once.Do(func() { close(gate) }) }
}

// HoldClose blocks every Close until release is called, the way a close
// stuck on a wedged connection would.
func (f *FakeTransport) HoldClose() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeGate = make(chan struct{})
	gate := f.closeGate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Polled receives a value after every poll.
func (f *FakeTransport) Polled() <-chan struct{} {
	return f.polled
}

func (f *FakeTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *FakeTransport) PollNewSince(ctx context.Context, watermark uint32) ([]model.EmailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		select {
		case f.polled <- struct{}{}:
		default:
		}
	}()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	f.watermarks = append(f.watermarks, watermark)
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		return batch, nil
	}
	return nil, nil
}

func (f *FakeTransport) Send(ctx context.Context, msg model.OutgoingMessage) error {
	f.mu.Lock()
	started, gate := f.sendStarted, f.sendGate
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *FakeTransport) MarkSeen(_ context.Context, uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, uid)
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	gate := f.closeGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return nil
}

// Connects returns how many times Connect was called.
func (f *FakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Polls returns how many polls were made.
func (f *FakeTransport) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// Watermarks returns the watermark passed to every poll.
func (f *FakeTransport) Watermarks() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.watermarks...)
}

// SendCalls returns the number of send attempts, failed ones included.
func (f *FakeTransport) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

// Sent returns the successfully sent messages.
func (f *FakeTransport) Sent() []model.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.OutgoingMessage(nil), f.sent...)
}

// Seen returns the uids acknowledged with MarkSeen.
func (f *FakeTransport) Seen() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.seen...)
}

// Closed returns how many times Close was called.
func (f *FakeTransport) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// TransportSet hands out FakeTransports per session id, for use as a
// mailbox.Factory. Every call for a session returns the same transport.
type TransportSet struct {
	mu         sync.Mutex
	transports map[string]*FakeTransport
	builds     map[string]int
}

// NewTransportSet returns an empty set.
func NewTransportSet() *TransportSet {
	return &TransportSet{
		transports: make(map[string]*FakeTransport),
		builds:     make(map[string]int),
	}
}

// For returns the transport used for accounts with the given address.
func (s *TransportSet) For(address string) *FakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transports[address]
	if !ok {
		t = NewFakeTransport()
		s.transports[address] = t
	}
	return t
}

// Builds returns how many transports were requested for address.
func (s *TransportSet) Builds(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds[address]
}

// Factory adapts the set to mailbox.Factory, keyed by account address.
func (s *TransportSet) Factory() mailbox.Factory {
	return func(account model.MailboxAccount) (mailbox.Transport, error) {
		t := s.For(account.Address)
		s.mu.Lock()
		s.builds[account.Address]++
		s.mu.Unlock()
		return t, nil
	}
}

package testutil

import (
	"errors"
	"sync"

	"github.com/nhle/reply-optimizer/internal/observability"
)

// Event is one recorded metrics event.
type Event struct {
	Name   string
	Fields observability.Fields
}

// RecordingSink keeps every event it receives.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecordingSink) Record(event string, fields observability.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Name: event, Fields: fields})
	return nil
}

// Events returns the recorded events named name, or all of them when name
// is empty.
func (s *RecordingSink) Events(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// FailingSink rejects every event.
type FailingSink struct{}

func (FailingSink) Record(string, observability.Fields) error {
	return errors.New("metrics backend unavailable")
}

// BlockingSink records like RecordingSink but blocks every event named
// Event until Release is called.
type BlockingSink struct {
	RecordingSink
	Event string

	once    sync.Once
	gate    chan struct{}
	blocked chan struct{}
}

// NewBlockingSink returns a sink that holds event.
func NewBlockingSink(event string) *BlockingSink {
	return &BlockingSink{
		Event:   event,
		gate:    make(chan struct{}),
		blocked: make(chan struct{}, 16),
	}
}

func (s *BlockingSink) Record(event string, fields observability.Fields) error {
	if event == s.Event {
		select {
		case s.blocked <- struct{}{}:
		default:
		}
		<-s.gate
	}
	return s.RecordingSink.Record(event, fields)
}

// Blocked receives a value each time Record starts holding an event.
func (s *BlockingSink) Blocked() <-chan struct{} {
	return s.blocked
}

// Release lets held and future events through.
func (s *BlockingSink) Release() {
	s.once.Do(func() { close(s.gate) })
}

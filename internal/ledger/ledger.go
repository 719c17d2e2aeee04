// Package ledger tracks which mailbox messages a session has already handled.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nhle/reply-optimizer/internal/model"
)

// Entry is one handled message.
type Entry struct {
	UID        uint32        `json:"uid"`
	Outcome    model.Outcome `json:"outcome"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Backend persists ledger entries outside the process. Appends are
// best-effort: the in-memory Set stays authoritative for the running process.
type Backend interface {
	Load(ctx context.Context, sessionID string) ([]Entry, error)
	Append(ctx context.Context, sessionID string, e Entry) error
}

// Nop is a Backend that keeps nothing.
type Nop struct{}

func (Nop) Load(context.Context, string) ([]Entry, error) { return nil, nil }
func (Nop) Append(context.Context, string, Entry) error { return nil }

// Set is the processed-message ledger of a single session. A uid enters the
// set at most once; later attempts to record it are rejected.
type Set struct {
	sessionID string
	backend   Backend

	mu        sync.Mutex
	entries   map[uint32]Entry
	watermark uint32
	hydrated  bool
}

// New returns an empty Set for sessionID. A nil backend means in-memory only.
func New(sessionID string, backend Backend) *Set {
	if backend == nil {
		backend = Nop{}
	}
	return &Set{
		sessionID: sessionID,
		backend:   backend,
		entries:   make(map[uint32]Entry),
	}
}

// SessionID returns the session owning this ledger.
func (s *Set) SessionID() string { return s.sessionID }

// Hydrate loads persisted entries from the backend. It only does work the
// first time it succeeds.
func (s *Set) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	if s.hydrated {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	entries, err := s.backend.Load(ctx, s.sessionID)
	if err != nil {
		return fmt.Errorf("loading ledger for session %s: %w", s.sessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, ok := s.entries[e.UID]; ok {
			continue
		}
		s.add(e)
	}
	s.hydrated = true
	return nil
}

// Contains reports whether uid has already been handled.
func (s *Set) Contains(uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[uid]
	return ok
}

// Outcome returns the recorded outcome for uid.
func (s *Set) Outcome(uid uint32) (model.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uid]
	return e.Outcome, ok
}

// Record adds uid with the given outcome. It returns false without touching
// the backend when uid is already present. A backend error is returned but
// the entry is kept in memory.
func (s *Set) Record(ctx context.Context, uid uint32, outcome model.Outcome) (bool, error) {
	e := Entry{UID: uid, Outcome: outcome, RecordedAt: time.Now().UTC()}

	s.mu.Lock()
	if _, ok := s.entries[uid]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.add(e)
	s.mu.Unlock()

	if err := s.backend.Append(ctx, s.sessionID, e); err != nil {
		return true, fmt.Errorf("persisting ledger entry %d: %w", uid, err)
	}
	return true, nil
}

func (s *Set) add(e Entry) {
	s.entries[e.UID] = e
	if e.UID > s.watermark {
		s.watermark = e.UID
	}
}

// Watermark returns the highest uid in the set, or 0 when empty.
func (s *Set) Watermark() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Len returns the number of entries.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a copy of all entries in ascending uid order.
func (s *Set) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Counts returns the number of entries per outcome.
func (s *Set) Counts() map[model.Outcome]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.Outcome]int)
	for _, e := range s.entries {
		counts[e.Outcome]++
	}
	return counts
}

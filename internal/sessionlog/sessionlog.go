// Package sessionlog gives every session its own append-only log stream.
package sessionlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nhle/reply-optimizer/internal/model"
)

// ErrNoStream is returned when a session has no open stream.
var ErrNoStream = errors.New("no log stream for session")

// Streams owns the open per-session log streams.
type Streams struct {
	dir       string
	tailLines int
	level     slog.Leveler

	mu      sync.Mutex
	streams map[string]*Stream
	files   map[string]string // file name -> session id
}

// NewStreams creates a registry writing files under dir. An empty dir keeps
// streams in memory only.
func NewStreams(dir string, tailLines int, level slog.Leveler) *Streams {
	if tailLines <= 0 {
		tailLines = 100
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return &Streams{
		dir:       dir,
		tailLines: tailLines,
		level:     level,
		streams:   make(map[string]*Stream),
		files:     make(map[string]string),
	}
}

// Open returns the stream of sessionID, creating it on first use.
func (s *Streams) Open(sessionID string) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[sessionID]; ok {
		return st, nil
	}

	st := &Stream{
		sessionID: sessionID,
		tail:      newTailBuffer(s.tailLines),
	}

	var w io.Writer = st.tail
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory %s: %w", s.dir, err)
		}
		name := s.fileName(sessionID)
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening session log %s: %w", name, err)
		}
		st.file = f
		st.fileName = name
		s.files[name] = sessionID
		w = io.MultiWriter(f, st.tail)
	}

	st.logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: s.level})).
		With(slog.String("session_id", sessionID))

	s.streams[sessionID] = st
	return st, nil
}

// fileName is session_<first 8 chars>.log, or the full id when that short
// name already belongs to another session.
func (s *Streams) fileName(sessionID string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, sessionID)

	short := safe
	if len(short) > 8 {
		short = short[:8]
	}
	name := "session_" + short + ".log"
	if owner, taken := s.files[name]; taken && owner != sessionID {
		name = "session_" + safe + ".log"
	}
	return name
}

// Get returns the open stream of sessionID.
func (s *Streams) Get(sessionID string) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[sessionID]
	return st, ok
}

// Tail returns up to n of the most recent lines of sessionID's stream.
func (s *Streams) Tail(sessionID string, n int) ([]string, error) {
	st, ok := s.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStream, sessionID)
	}
	return st.Tail(n), nil
}

// Close closes and forgets the stream of sessionID.
func (s *Streams) Close(sessionID string) error {
	s.mu.Lock()
	st, ok := s.streams[sessionID]
	delete(s.streams, sessionID)
	if ok && st.fileName != "" {
		delete(s.files, st.fileName)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return st.Close()
}

// CloseAll closes every open stream.
func (s *Streams) CloseAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stream is the private log of one session.
type Stream struct {
	sessionID string
	logger    *slog.Logger
	tail      *tailBuffer

	file     *os.File
	fileName string
}

// Logger returns a logger that writes only to this stream.
func (st *Stream) Logger() *slog.Logger {
	return st.logger
}

// Record appends a processing record.
func (st *Stream) Record(rec model.ProcessingRecord) {
	attrs := []slog.Attr{
		slog.Any("uid", rec.UID),
		slog.String("outcome", string(rec.Outcome)),
		slog.Duration("latency", rec.Latency()),
		slog.Time("started_at", rec.StartedAt),
		slog.Time("finished_at", rec.FinishedAt),
	}
	if rec.MessageID != "" {
		attrs = append(attrs, slog.String("message_id", rec.MessageID))
	}
	if rec.ThreadID != "" {
		attrs = append(attrs, slog.String("thread_id", rec.ThreadID))
	}
	if rec.Attempts > 0 {
		attrs = append(attrs, slog.Int("attempts", rec.Attempts))
	}
	if rec.Tokens > 0 {
		attrs = append(attrs, slog.Int("tokens", rec.Tokens), slog.Duration("generation_latency", rec.GenerationLatency))
	}

	level := slog.LevelInfo
	if rec.ErrorKind != "" {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error_kind", rec.ErrorKind), slog.String("error", rec.Error))
	}

	st.logger.LogAttrs(context.Background(), level, "message processed", attrs...)
}

// Transition appends a state-transition event.
func (st *Stream) Transition(scope, from, to string, args ...any) {
	args = append([]any{"scope", scope, "from", from, "to", to}, args...)
	st.logger.Info("state transition", args...)
}

// Tail returns up to n of the most recent lines.
func (st *Stream) Tail(n int) []string {
	return st.tail.Last(n)
}

// Close closes the backing file, if any.
func (st *Stream) Close() error {
	if st.file == nil {
		return nil
	}
	return st.file.Close()
}

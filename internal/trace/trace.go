// Package trace is the observability substrate: an in-memory ring of recent
// sessions plus an optional JSONL append log. Events get a strictly monotonic
// per-session sequence number at emission and are never mutated afterwards.
package trace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/haricheung/cascade/internal/bus"
	"github.com/haricheung/cascade/internal/clock"
	"github.com/haricheung/cascade/internal/types"
)

// DefaultRingSize bounds how many closed sessions stay queryable in memory.
const DefaultRingSize = 256

// Store records sessions and their events.
type Store struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[string]*types.Session
	order    []string // session ids oldest-first, for ring eviction
	ringSize int
	logFile  *os.File
	feed     *bus.Feed
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithRingSize overrides the in-memory session ring capacity.
func WithRingSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.ringSize = n
		}
	}
}

// WithLogFile appends every event as one JSONL line to path. Open failure is
// logged and the sink disabled; the in-memory ring still works.
func WithLogFile(path string) Option {
	return func(s *Store) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			slog.Warn("[TRACE] create log dir failed", "path", path, "error", err)
			return
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Warn("[TRACE] open log file failed", "path", path, "error", err)
			return
		}
		s.logFile = f
	}
}

// WithFeed publishes every recorded event to the live feed as well.
func WithFeed(f *bus.Feed) Option {
	return func(s *Store) { s.feed = f }
}

// New creates a Store.
func New(c clock.Clock, opts ...Option) *Store {
	s := &Store{
		clock:    c,
		sessions: make(map[string]*types.Session),
		ringSize: DefaultRingSize,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Begin registers a new session. The stored session is a private copy; the
// caller's value is not retained.
func (s *Store) Begin(sess types.Session) {
	sess.StartedAt = s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = &sess
	s.order = append(s.order, sess.ID)
	for len(s.order) > s.ringSize {
		delete(s.sessions, s.order[0])
		s.order = s.order[1:]
	}
}

// Emit appends ev to its session's event log, assigning the next sequence
// number under the store lock. Returns the assigned sequence number.
//
// Expectations:
//   - Sequence numbers per session are strictly increasing from 1
//   - Events for unknown sessions are dropped with a warning, returning 0
//   - When a log file is configured, the event is appended as one JSON line
func (s *Store) Emit(ev types.StageEvent) int {
	s.mu.Lock()
	sess, ok := s.sessions[ev.SessionID]
	if !ok {
		s.mu.Unlock()
		slog.Warn("[TRACE] event for unknown session dropped", "session", ev.SessionID, "stage", ev.Stage)
		return 0
	}
	ev.Seq = len(sess.Events) + 1
	sess.Events = append(sess.Events, ev)
	f := s.logFile
	s.mu.Unlock()

	if s.feed != nil {
		s.feed.Publish(ev)
	}
	if f != nil {
		if data, err := json.Marshal(ev); err == nil {
			if _, err := fmt.Fprintf(f, "%s\n", data); err != nil {
				slog.Warn("[TRACE] append event failed", "error", err)
			}
		}
	}
	return ev.Seq
}

// Close finalizes a session with its result, terminal state, totals, and
// scratchpad snapshot.
func (s *Store) Close(id string, result types.Result, scratchpad map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.Result = &result
	sess.Terminal = result.Terminal
	sess.Totals = result.Totals
	sess.Scratchpad = scratchpad
	sess.EndedAt = s.clock.Now()
}

// Get returns a copy of the session with the given id.
func (s *Store) Get(id string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Session{}, false
	}
	cp := *sess
	cp.Events = append([]types.StageEvent(nil), sess.Events...)
	return cp, true
}

// Shutdown flushes and closes the JSONL sink.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}
}

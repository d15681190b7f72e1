// Package eventstore implements the append-only per-run and global event
// logs that drive all out-of-process observability (spec §4.1).
//
// Until Initialize is called, events are buffered in memory so no audit row
// is lost; once the workspace is known, buffered events are drained in order
// into the per-run and (optionally) global JSONL log files. Writes are
// treated as at-least-once: there is no fsync, and replay after a crash may
// surface duplicate rows that consumers must tolerate (spec §4.1).
package eventstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/telemetry"
)

// defaultBufferLimit bounds the pre-initialize queue. It is sized generously
// for a single run's worth of plan-time events (spec §9); once exceeded, the
// oldest buffered event is dropped and DroppedCount is incremented.
const defaultBufferLimit = 4096

// Mirror is the optional secondary sink a Store mirrors every stored event
// to, best-effort (SPEC_FULL.md §11.3). internal/eventstore/mongomirror
// implements this against MongoDB; Store depends only on this narrow
// interface so the JSONL append path never takes a hard Mongo dependency.
type Mirror interface {
	Append(e *domain.TaskEvent)
}

// Store is the append-only Event Store described in spec §4.1.
type Store struct {
	mu     sync.Mutex
	logger telemetry.Logger
	mirror Mirror

	initialized   bool
	runLogFile    *os.File
	runLogWriter  *bufio.Writer
	globalLogFile *os.File
	globalWriter  *bufio.Writer

	bufferLimit int
	buffered    []*domain.TaskEvent
	dropped     int64

	all []*domain.TaskEvent
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithBufferLimit overrides the default pre-initialize buffer size.
func WithBufferLimit(n int) Option {
	return func(s *Store) { s.bufferLimit = n }
}

// WithMirror attaches a secondary sink every stored event is also (best
// effort, asynchronously) forwarded to.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// New constructs a Store. Events may be recorded immediately via Store; they
// are buffered until Initialize opens the durable log files.
func New(logger telemetry.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Store{logger: logger, bufferLimit: defaultBufferLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize opens the per-run log <workspacePath>/.events.jsonl and, if
// globalEventsDir is non-empty, the global log <globalEventsDir>/events.jsonl.
// Buffered events are drained into both logs in the order they were stored.
func (s *Store) Initialize(workspacePath, globalEventsDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if workspacePath != "" {
		if err := os.MkdirAll(workspacePath, 0o755); err != nil {
			return fmt.Errorf("eventstore: create workspace: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(workspacePath, ".events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("eventstore: open run log: %w", err)
		}
		s.runLogFile = f
		s.runLogWriter = bufio.NewWriter(f)
	}

	if globalEventsDir != "" {
		if err := os.MkdirAll(globalEventsDir, 0o755); err != nil {
			return fmt.Errorf("eventstore: create global events dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(globalEventsDir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("eventstore: open global log: %w", err)
		}
		s.globalLogFile = f
		s.globalWriter = bufio.NewWriter(f)
	}

	s.initialized = true

	pending := s.buffered
	s.buffered = nil
	for _, e := range pending {
		if err := s.appendLocked(e); err != nil {
			return err
		}
	}
	return nil
}

// Store appends one event. It assigns an event ID if unset, updates the
// in-memory list, appends to both log files if open, and mirrors the event
// to stderr in human-readable form. On append failure the error is
// propagated; the in-memory list is always updated first so queries never
// miss an event even if durability failed.
func (s *Store) Store(e *domain.TaskEvent) error {
	if e == nil {
		return fmt.Errorf("eventstore: event is required")
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.RunID == "" {
		return fmt.Errorf("eventstore: run_id is required")
	}

	if s.mirror != nil {
		s.mirror.Append(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.all = append(s.all, e)

	if !s.initialized {
		s.buffered = append(s.buffered, e)
		if len(s.buffered) > s.bufferLimit {
			s.logger.Warn(context.Background(), "eventstore: buffer overflow, dropping oldest event",
				"run_id", s.buffered[0].RunID, "event_type", string(s.buffered[0].EventType))
			s.buffered = s.buffered[1:]
			s.dropped++
		}
		return nil
	}

	return s.appendLocked(e)
}

// appendLocked writes e to both open log files and to stderr, and logs it
// through the Store's logger. Caller must hold s.mu.
func (s *Store) appendLocked(e *domain.TaskEvent) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventstore: marshal event: %w", err)
	}

	var firstErr error
	if s.runLogWriter != nil {
		if _, err := s.runLogWriter.Write(append(line, '\n')); err != nil {
			firstErr = fmt.Errorf("eventstore: append run log: %w", err)
		} else if err := s.runLogWriter.Flush(); err != nil {
			firstErr = fmt.Errorf("eventstore: flush run log: %w", err)
		}
	}
	if s.globalWriter != nil {
		if _, err := s.globalWriter.Write(append(line, '\n')); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("eventstore: append global log: %w", err)
			}
		} else {
			_ = s.globalWriter.Flush()
		}
	}

	fmt.Fprintf(os.Stderr, "event %s run=%s type=%s\n", e.EventID, e.RunID, e.EventType)
	s.logger.Info(context.Background(), "event", "run_id", e.RunID, "event_type", string(e.EventType))
	return firstErr
}

// GetByRunID returns all events recorded for runID, in append order.
func (s *Store) GetByRunID(runID string) []*domain.TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TaskEvent
	for _, e := range s.all {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// GetByType returns all events of the given type, in append order.
func (s *Store) GetByType(t domain.EventType) []*domain.TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TaskEvent
	for _, e := range s.all {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// GetAll returns every event recorded so far, in append order.
func (s *Store) GetAll() []*domain.TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.TaskEvent, len(s.all))
	copy(out, s.all)
	return out
}

// DroppedCount reports how many pre-initialize events were dropped due to
// buffer overflow (SPEC_FULL.md §12 supplemented feature).
func (s *Store) DroppedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes and closes any open log files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.runLogWriter != nil {
		_ = s.runLogWriter.Flush()
	}
	if s.runLogFile != nil {
		if err := s.runLogFile.Close(); err != nil {
			firstErr = err
		}
	}
	if s.globalWriter != nil {
		_ = s.globalWriter.Flush()
	}
	if s.globalLogFile != nil {
		if err := s.globalLogFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

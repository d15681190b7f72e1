package eventstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentsdlc/orchestrator/internal/domain"
)

// LoadFromFile replays a JSONL event log for debugging, returning the
// decoded events in file order. Duplicate rows (possible after an
// at-least-once crash recovery, spec §4.1) are returned as-is; callers must
// tolerate them.
//
// As a supplemented consistency check (SPEC_FULL.md §12), LoadFromFile also
// verifies that, per run, event timestamps never regress from one row to
// the next; a regression is logged as a warning rather
// than treated as a hard failure, since the durability guarantee explicitly
// tolerates replay duplicates.
func (s *Store) LoadFromFile(path string) ([]*domain.TaskEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	defer f.Close()

	lastTimestamp := map[string]int64{}
	var events []*domain.TaskEvent

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e domain.TaskEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("eventstore: decode event: %w", err)
		}
		events = append(events, &e)

		ts := e.Timestamp.UnixNano()
		if prev, ok := lastTimestamp[e.RunID]; ok && ts < prev {
			s.logger.Warn(context.Background(), "eventstore: replay detected non-monotonic event",
				"run_id", e.RunID, "event_type", string(e.EventType))
		}
		lastTimestamp[e.RunID] = ts
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: scan %s: %w", path, err)
	}

	s.mu.Lock()
	s.all = append(s.all, events...)
	s.mu.Unlock()

	return events, nil
}

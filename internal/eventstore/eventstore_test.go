package eventstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/telemetry"
)

func newEvent(runID string, t domain.EventType) *domain.TaskEvent {
	return &domain.TaskEvent{RunID: runID, EventType: t}
}

func TestStore_BuffersBeforeInitialize(t *testing.T) {
	s := New(telemetry.NewNoopLogger())

	require.NoError(t, s.Store(newEvent("run-1", domain.EventTaskCreated)))
	require.NoError(t, s.Store(newEvent("run-1", domain.EventStepStarted)))

	assert.Len(t, s.GetByRunID("run-1"), 2)
	assert.Len(t, s.GetAll(), 2)
}

func TestStore_DrainsBufferedEventsOnInitialize(t *testing.T) {
	dir := t.TempDir()
	s := New(telemetry.NewNoopLogger())

	require.NoError(t, s.Store(newEvent("run-1", domain.EventTaskCreated)))
	require.NoError(t, s.Initialize(filepath.Join(dir, "ws"), ""))
	require.NoError(t, s.Store(newEvent("run-1", domain.EventStepStarted)))

	events := s.GetByRunID("run-1")
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTaskCreated, events[0].EventType)
	assert.Equal(t, domain.EventStepStarted, events[1].EventType)

	replayed, err := s.LoadFromFile(filepath.Join(dir, "ws", ".events.jsonl"))
	require.NoError(t, err)
	assert.Len(t, replayed, 2)
}

func TestStore_BufferOverflowDropsOldest(t *testing.T) {
	s := New(telemetry.NewNoopLogger(), WithBufferLimit(2))

	require.NoError(t, s.Store(newEvent("run-1", domain.EventTaskCreated)))
	require.NoError(t, s.Store(newEvent("run-1", domain.EventStepStarted)))
	require.NoError(t, s.Store(newEvent("run-1", domain.EventStepCompleted)))

	assert.Equal(t, int64(1), s.DroppedCount())
}

func TestStore_GetByType(t *testing.T) {
	s := New(telemetry.NewNoopLogger())
	require.NoError(t, s.Store(newEvent("run-1", domain.EventStepStarted)))
	require.NoError(t, s.Store(newEvent("run-2", domain.EventStepStarted)))
	require.NoError(t, s.Store(newEvent("run-1", domain.EventStepCompleted)))

	assert.Len(t, s.GetByType(domain.EventStepStarted), 2)
	assert.Len(t, s.GetByType(domain.EventStepCompleted), 1)
}

func TestStore_RejectsEventWithoutRunID(t *testing.T) {
	s := New(telemetry.NewNoopLogger())
	err := s.Store(&domain.TaskEvent{EventType: domain.EventTaskCreated})
	assert.Error(t, err)
}

// fakeMirror records every event handed to Append, standing in for
// mongomirror.Mirror (SPEC_FULL.md §11.3) without a live Mongo connection.
type fakeMirror struct {
	events []*domain.TaskEvent
}

func (m *fakeMirror) Append(e *domain.TaskEvent) {
	m.events = append(m.events, e)
}

func TestStore_ForwardsToMirror(t *testing.T) {
	mirror := &fakeMirror{}
	s := New(telemetry.NewNoopLogger(), WithMirror(mirror))

	require.NoError(t, s.Store(newEvent("run-1", domain.EventTaskCreated)))
	require.NoError(t, s.Store(newEvent("run-1", domain.EventStepStarted)))

	require.Len(t, mirror.events, 2)
	assert.Equal(t, domain.EventTaskCreated, mirror.events[0].EventType)
	assert.Equal(t, domain.EventStepStarted, mirror.events[1].EventType)
}

func TestStore_MirrorForwardingSurvivesBufferOverflow(t *testing.T) {
	mirror := &fakeMirror{}
	s := New(telemetry.NewNoopLogger(), WithBufferLimit(1), WithMirror(mirror))

	require.NoError(t, s.Store(newEvent("run-1", domain.EventTaskCreated)))
	require.NoError(t, s.Store(newEvent("run-1", domain.EventStepStarted)))

	// Mirror sees every event even though the in-process buffer dropped one.
	assert.Len(t, mirror.events, 2)
	assert.Equal(t, int64(1), s.DroppedCount())
}

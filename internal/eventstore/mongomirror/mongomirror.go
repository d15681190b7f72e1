// Package mongomirror provides an optional, best-effort secondary sink for
// the Event Store. It never blocks or fails the synchronous JSONL append
// path (eventstore.Store.Store); events are batched and asynchronously
// upserted into a Mongo collection for out-of-process dashboards.
//
// Grounded on the run/runlog Mongo stores' client wiring in the teacher
// repository (features/run/mongo, features/runlog/mongo), adapted from
// session/run metadata persistence to event mirroring.
package mongomirror

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/telemetry"
)

const (
	defaultCollection = "run_events"
	defaultOpTimeout   = 5 * time.Second
	defaultFlushEvery  = 2 * time.Second
	defaultBatchSize   = 100
)

// Options configures the Mirror.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
	FlushEvery time.Duration
	BatchSize  int
	Logger     telemetry.Logger
}

// Mirror batches TaskEvents and flushes them into Mongo on a timer or when
// the batch reaches BatchSize, whichever comes first. Append never returns
// an error to the caller: failures are logged only, matching the "never
// blocks or fails the synchronous append path" contract in SPEC_FULL.md §11.3.
type Mirror struct {
	coll    *mongodriver.Collection
	timeout time.Duration
	logger  telemetry.Logger

	queue chan *domain.TaskEvent
	done  chan struct{}
}

// New constructs a Mirror and starts its background flush loop.
func New(opts Options) (*Mirror, error) {
	if opts.Client == nil {
		return nil, errors.New("mongomirror: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongomirror: database is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	m := &Mirror{
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
		logger:  logger,
		queue:   make(chan *domain.TaskEvent, batchSize*4),
		done:    make(chan struct{}),
	}
	go m.loop(flushEvery, batchSize)
	return m, nil
}

// Append enqueues an event for asynchronous mirroring. Best-effort: if the
// internal queue is full, the event is dropped and logged, never blocking
// the caller.
func (m *Mirror) Append(e *domain.TaskEvent) {
	select {
	case m.queue <- e:
	default:
		m.logger.Warn(context.Background(), "mongomirror: queue full, dropping event",
			"run_id", e.RunID, "event_type", string(e.EventType))
	}
}

// Close stops the flush loop, attempting one final flush of queued events.
func (m *Mirror) Close() {
	close(m.done)
}

func (m *Mirror) loop(flushEvery time.Duration, batchSize int) {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	var batch []*domain.TaskEvent
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.flush(batch); err != nil {
			m.logger.Warn(context.Background(), "mongomirror: flush failed", "error", err.Error())
		}
		batch = nil
	}

	for {
		select {
		case e := <-m.queue:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-m.done:
			for drained := false; !drained; {
				select {
				case e := <-m.queue:
					batch = append(batch, e)
				default:
					drained = true
				}
			}
			flush()
			return
		}
	}
}

func (m *Mirror) flush(batch []*domain.TaskEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	models := make([]mongodriver.WriteModel, 0, len(batch))
	for _, e := range batch {
		filter := bson.M{"_id": e.EventID}
		update := bson.M{"$set": bson.M{
			"run_id":     e.RunID,
			"event_type": string(e.EventType),
			"timestamp":  e.Timestamp,
			"data":       e.Data,
		}}
		models = append(models, mongodriver.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true))
	}
	_, err := m.coll.BulkWrite(ctx, models)
	return err
}

// Package jobqueue implements the Async Job Queue of spec §4.4: an
// in-process, bounded-concurrency work queue whose per-job status records
// live in the coordination store under "{task}:::{request_id}" with a
// 24-hour TTL (spec §6). Queued jobs themselves are held only in memory and
// do not survive a restart. Each task kind gets its own channel and worker
// pool; this repository registers only the sync task kinds
// (internal/nodeservice) and no file-processing kinds.
package jobqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/creator-network/creator-node/internal/coordination"
)

// Status is the terminal or in-flight state of a job, mirroring spec §6's
// async_processing_status values.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// Record is the JSON shape persisted at a job's status key.
type Record struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"resp,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusTTL is how long a terminal status record lingers after the job
// itself is removed from the queue (spec §4.4).
const StatusTTL = 24 * time.Hour

// Handler processes one job's params and returns a JSON-marshalable
// result. A Handler that returns an error or panics is recorded as
// StatusFailed and does not crash the worker (spec §4.4, "Failure
// semantics").
type Handler func(ctx context.Context, params json.RawMessage) (result interface{}, err error)

type workItem struct {
	requestID string
	params    json.RawMessage
}

// Queue is the Async Job Queue. One Queue instance is shared by every
// task kind in the process; each task kind gets its own internal channel
// and worker pool once Process is called for it.
type Queue struct {
	store Store
	log   *logrus.Entry

	mu     sync.Mutex
	queues map[string]chan workItem
}

// Store is the subset of coordination.Store the job queue needs.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// New builds a Queue backed by store.
func New(store Store, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queue{store: store, log: log, queues: make(map[string]chan workItem)}
}

func (q *Queue) channelFor(task string) chan workItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[task]
	if !ok {
		ch = make(chan workItem, 1024)
		q.queues[task] = ch
	}
	return ch
}

// Enqueue records an IN_PROGRESS status under a fresh request id and pushes
// the job onto task's in-memory queue (spec §4.4). params are not persisted;
// a job still queued when the process stops is lost. Enqueue returns once
// the job is buffered, and blocks while task's 1024-slot buffer is full.
func (q *Queue) Enqueue(ctx context.Context, task string, params interface{}) (string, error) {
	requestID := uuid.New().String()

	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	if err := q.setStatus(ctx, task, requestID, Record{Status: StatusInProgress}); err != nil {
		return "", err
	}

	q.channelFor(task) <- workItem{requestID: requestID, params: raw}
	return requestID, nil
}

// Process registers handler for task and starts concurrency workers
// consuming its queue. Process must be called once per task kind before
// any job of that kind completes; calling it twice for the same task with
// different handlers is a caller bug this package does not guard against.
func (q *Queue) Process(ctx context.Context, task string, concurrency int, handler Handler) {
	ch := q.channelFor(task)
	for i := 0; i < concurrency; i++ {
		go q.worker(ctx, task, ch, handler)
	}
}

func (q *Queue) worker(ctx context.Context, task string, ch chan workItem, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-ch:
			q.run(ctx, task, item, handler)
		}
	}
}

func (q *Queue) run(ctx context.Context, task string, item workItem, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithFields(logrus.Fields{"task": task, "request_id": item.requestID, "panic": r}).
				Error("job handler panicked")
			_ = q.setStatus(ctx, task, item.requestID, Record{Status: StatusFailed, Error: "handler panicked"})
		}
	}()

	result, err := handler(ctx, item.params)
	if err != nil {
		q.log.WithFields(logrus.Fields{"task": task, "request_id": item.requestID}).WithError(err).
			Warn("job handler failed")
		_ = q.setStatus(ctx, task, item.requestID, Record{Status: StatusFailed, Error: err.Error()})
		return
	}

	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		_ = q.setStatus(ctx, task, item.requestID, Record{Status: StatusFailed, Error: marshalErr.Error()})
		return
	}
	_ = q.setStatus(ctx, task, item.requestID, Record{Status: StatusDone, Result: raw})
}

func (q *Queue) setStatus(ctx context.Context, task, requestID string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, coordination.StatusKey(task, requestID), string(raw), StatusTTL)
}

// Status returns the current status record for (task, requestID), or
// (Record{}, false, nil) if no such job has ever been enqueued (or its
// TTL has lapsed).
func (q *Queue) Status(ctx context.Context, task, requestID string) (Record, bool, error) {
	raw, ok, err := q.store.Get(ctx, coordination.StatusKey(task, requestID))
	if err != nil || !ok {
		return Record{}, ok, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

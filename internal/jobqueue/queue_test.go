package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/creator-network/creator-node/internal/coordination"
)

func waitForStatus(t *testing.T, q *Queue, task, requestID string, want Status) Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok, err := q.Status(context.Background(), task, requestID)
		require.NoError(t, err)
		if ok && rec.Status == want {
			return rec
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s status %s", requestID, want)
	return Record{}
}

func TestEnqueueProcessSucceeds(t *testing.T) {
	store := coordination.NewMemoryStore()
	q := New(store, nil)

	q.Process(context.Background(), "sync", 2, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p struct{ Wallet string }
		_ = json.Unmarshal(params, &p)
		return map[string]string{"wallet": p.Wallet}, nil
	})

	requestID, err := q.Enqueue(context.Background(), "sync", map[string]string{"Wallet": "0xAA"})
	require.NoError(t, err)

	rec := waitForStatus(t, q, "sync", requestID, StatusDone)
	var result map[string]string
	require.NoError(t, json.Unmarshal(rec.Result, &result))
	require.Equal(t, "0xAA", result["wallet"])
}

func TestHandlerErrorRecordsFailedStatus(t *testing.T) {
	store := coordination.NewMemoryStore()
	q := New(store, nil)

	q.Process(context.Background(), "sync", 1, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	})

	requestID, err := q.Enqueue(context.Background(), "sync", nil)
	require.NoError(t, err)

	rec := waitForStatus(t, q, "sync", requestID, StatusFailed)
	require.Equal(t, "boom", rec.Error)
}

func TestHandlerPanicDoesNotCrashWorker(t *testing.T) {
	store := coordination.NewMemoryStore()
	q := New(store, nil)

	q.Process(context.Background(), "sync", 1, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		panic("unexpected")
	})

	requestID, err := q.Enqueue(context.Background(), "sync", nil)
	require.NoError(t, err)
	waitForStatus(t, q, "sync", requestID, StatusFailed)

	// Worker goroutine must still be alive to process a second job.
	requestID2, err := q.Enqueue(context.Background(), "sync", nil)
	require.NoError(t, err)
	waitForStatus(t, q, "sync", requestID2, StatusFailed)
}

func TestDistinctTaskKindsGetDistinctQueues(t *testing.T) {
	store := coordination.NewMemoryStore()
	q := New(store, nil)

	var transcodeCalls, handoffCalls int
	q.Process(context.Background(), "transcode_and_segment", 1, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		transcodeCalls++
		return "ok", nil
	})
	q.Process(context.Background(), "transcode_hand_off", 1, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		handoffCalls++
		return "ok", nil
	})

	id1, _ := q.Enqueue(context.Background(), "transcode_and_segment", nil)
	id2, _ := q.Enqueue(context.Background(), "transcode_hand_off", nil)

	waitForStatus(t, q, "transcode_and_segment", id1, StatusDone)
	waitForStatus(t, q, "transcode_hand_off", id2, StatusDone)
	require.Equal(t, 1, transcodeCalls)
	require.Equal(t, 1, handoffCalls)
}

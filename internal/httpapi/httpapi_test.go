package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/creator-network/creator-node/internal/errs"
	"github.com/creator-network/creator-node/internal/export"
)

type fakeExporter struct {
	payload export.Payload
	err     error
}

func (f *fakeExporter) Export(_ context.Context, _ []string, _ int64, _ string) (export.Payload, error) {
	return f.payload, f.err
}

type fakeClockReader struct{ clocks map[string]int64 }

func (f *fakeClockReader) LocalClock(_ context.Context, wallet string) (int64, error) {
	if c, ok := f.clocks[wallet]; ok {
		return c, nil
	}
	return -1, nil
}

type fakeQueue struct {
	jobID string
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, _ string, _ interface{}) (string, error) {
	return f.jobID, f.err
}

func noStatus(_ context.Context, _, _ string) (string, json.RawMessage, string, bool, error) {
	return "", nil, "", false, nil
}

func TestHandleExportSuccess(t *testing.T) {
	exp := &fakeExporter{payload: export.Payload{CNodeUsers: map[string]export.CNodeUser{
		"0xAA": {WalletPublicKey: "0xAA", Clock: 5},
	}}}
	srv := New(exp, &fakeClockReader{}, &fakeQueue{}, "manual_sync", nil)

	req := httptest.NewRequest(http.MethodGet, "/export?wallet_public_key=0xAA&clock_range_min=0", nil)
	rec := httptest.NewRecorder()
	srv.Handler(noStatus).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var env export.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, int64(5), env.Data.CNodeUsers["0xAA"].Clock)
}

func TestHandleExportRequiresWallet(t *testing.T) {
	srv := New(&fakeExporter{}, &fakeClockReader{}, &fakeQueue{}, "manual_sync", nil)

	req := httptest.NewRequest(http.MethodGet, "/export", nil)
	rec := httptest.NewRecorder()
	srv.Handler(noStatus).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExportNotAPeerMapsToForbidden(t *testing.T) {
	exp := &fakeExporter{err: errs.New(errs.NotAPeer, "not a peer")}
	srv := New(exp, &fakeClockReader{}, &fakeQueue{}, "manual_sync", nil)

	req := httptest.NewRequest(http.MethodGet, "/export?wallet_public_key=0xAA", nil)
	rec := httptest.NewRecorder()
	srv.Handler(noStatus).ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var env export.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "NotAPeer", env.Error.Kind)
}

func TestHandleClockStatusReturnsMinusOneForUnknownWallet(t *testing.T) {
	srv := New(&fakeExporter{}, &fakeClockReader{clocks: map[string]int64{}}, &fakeQueue{}, "manual_sync", nil)

	req := httptest.NewRequest(http.MethodGet, "/users/clock_status/0xBB", nil)
	rec := httptest.NewRecorder()
	srv.Handler(noStatus).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(-1), body["clock"])
}

func TestHandleSyncEnqueuesAndReturnsJobID(t *testing.T) {
	srv := New(&fakeExporter{}, &fakeClockReader{}, &fakeQueue{jobID: "req-123"}, "manual_sync", nil)

	body := `{"wallet":["0xAA"],"creator_node_endpoint":"http://primary"}`
	req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler(noStatus).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "req-123", resp["job_id"])
}

func TestHandleStatusNotFound(t *testing.T) {
	srv := New(&fakeExporter{}, &fakeClockReader{}, &fakeQueue{}, "manual_sync", nil)

	req := httptest.NewRequest(http.MethodGet, "/async_processing_status?uuid=missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler(noStatus).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatusFound(t *testing.T) {
	statusFn := func(_ context.Context, _, requestID string) (string, json.RawMessage, string, bool, error) {
		if requestID != "req-1" {
			return "", nil, "", false, nil
		}
		return "DONE", json.RawMessage(`{"job_id":"abc"}`), "", true, nil
	}
	srv := New(&fakeExporter{}, &fakeClockReader{}, &fakeQueue{}, "manual_sync", nil)

	req := httptest.NewRequest(http.MethodGet, "/async_processing_status?uuid=req-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler(statusFn).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "DONE", body["status"])
}

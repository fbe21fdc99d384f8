package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vssbench/internal/bench"
	"vssbench/internal/session"
	"vssbench/internal/storage"
	logx "vssbench/pkg/logx"
)

type fakeRuns struct {
	busy    bool
	last    *storage.Result
	started []string
}

func (f *fakeRuns) Trigger() (string, error) {
	if f.busy {
		return "", bench.ErrBusy
	}
	id := "run-" + string(rune('a'+len(f.started)))
	f.started = append(f.started, id)
	return id, nil
}
func (f *fakeRuns) Running() string { return "" }
func (f *fakeRuns) Next() time.Time { return time.Time{} }
func (f *fakeRuns) Last() (storage.Result, bool) {
	if f.last == nil {
		return storage.Result{}, false
	}
	return *f.last, true
}

type fakeLive []bench.NodeStatus

func (f fakeLive) Live() []bench.NodeStatus { return f }

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	h := New(&fakeRuns{}, nil).Handler()
	w := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestTrigger(t *testing.T) {
	runs := &fakeRuns{}
	h := New(runs, nil).Handler()

	w := do(t, h, http.MethodPost, "/runs")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"run_id":"run-a"}`, w.Body.String())

	runs.busy = true
	w = do(t, h, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodGet, "/runs")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestLastRun(t *testing.T) {
	runs := &fakeRuns{}
	h := New(runs, nil).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/runs/last").Code)

	runs.last = &storage.Result{RunID: "r1", Delivered: 4}
	w := do(t, h, http.MethodGet, "/runs/last")
	require.Equal(t, http.StatusOK, w.Code)
	var got storage.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, 4, got.Delivered)
}

func TestLiveViews(t *testing.T) {
	live := fakeLive{
		{Node: 0, Registry: session.Snapshot{Running: 2}},
		{Node: 1, Registry: session.Snapshot{Running: 1, Cleaning: true}},
	}
	h := New(nil, live).Handler()

	w := do(t, h, http.MethodGet, "/registry")
	require.Equal(t, http.StatusOK, w.Code)
	var regs []struct {
		Node     int              `json:"node"`
		Registry session.Snapshot `json:"registry"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &regs))
	require.Len(t, regs, 2)
	assert.Equal(t, 2, regs[0].Registry.Running)
	assert.True(t, regs[1].Registry.Cleaning)

	w = do(t, h, http.MethodGet, "/broadcast")
	require.Equal(t, http.StatusOK, w.Code)

	// idle service answers with an empty list, not null
	w = do(t, New(nil, fakeLive(nil)).Handler(), http.MethodGet, "/registry")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestResults(t *testing.T) {
	h := New(nil, nil).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/results").Code)

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveResult(ctx, storage.Result{RunID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	h = New(nil, nil, WithStore(store)).Handler()
	w := do(t, h, http.MethodGet, "/results?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var got []storage.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].RunID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/results?limit=zero").Code)
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, do(t, New(nil, nil).Handler(), http.MethodGet, "/debug/pprof/").Code)
	assert.Equal(t, http.StatusOK, do(t, New(nil, nil, WithPprof(true)).Handler(), http.MethodGet, "/debug/pprof/").Code)
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(nil, nil).Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oversightlabs/fieldsync/internal/filecache"
	"github.com/oversightlabs/fieldsync/internal/store"
	"github.com/oversightlabs/fieldsync/internal/types"
)

const testAPIKey = "test-api-key"

// fakeSyncControl records triggers without a running coordinator.
type fakeSyncControl struct {
	mu       sync.Mutex
	triggers int
	report   *types.SyncReport
}

func (f *fakeSyncControl) TriggerNow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

func (f *fakeSyncControl) LastReport() *types.SyncReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeSyncControl) triggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers
}

type fakeConnectivity struct{ online bool }

func (f *fakeConnectivity) Online() bool { return f.online }

type testEnv struct {
	store   *store.Store
	cache   *filecache.Cache
	sync    *fakeSyncControl
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cache, err := filecache.New(s.DB(), t.TempDir(), 1<<20, filecache.NewHTTPSource())
	if err != nil {
		t.Fatalf("filecache.New() error = %v", err)
	}

	sc := &fakeSyncControl{}
	h := NewHandler(s, cache, sc, &fakeConnectivity{online: true}, "remote-token", testAPIKey, "test")
	return &testEnv{store: s, cache: cache, sync: sc, handler: NewRouter(h)}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// Given no credentials, when a protected route is hit, then the response
// is a 401 problem document.
func TestRouter_AuthRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want problem+json", ct)
	}

	var p Problem
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal problem: %v", err)
	}
	if p.Status != 401 || p.Type != "https://fieldsync.dev/errors/unauthorized" {
		t.Errorf("problem = %+v, want unauthorized", p)
	}
}

// Given no credentials, when health is hit, then it answers anyway.
func TestHealth_IsPublic(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp types.HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if resp.Status != "healthy" || !resp.Online {
		t.Errorf("health = %+v, want healthy and online", resp)
	}
}

// Given a create request, when it lands, then the record comes back with
// a device-minted id and a sync trigger fires.
func TestCreateRecord_MintsLocalID(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/records/note", CreateRecordRequest{
		OwnerID: 7,
		Payload: json.RawMessage(`{"text":"violation observed"}`),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}

	var rec types.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if !rec.IsLocal() {
		t.Errorf("record id = %d, want a negative device-minted id", rec.ID)
	}
	if rec.SyncStatus != types.StatusPendingCreate {
		t.Errorf("SyncStatus = %q, want PENDING_CREATE", rec.SyncStatus)
	}
	if env.sync.triggerCount() != 1 {
		t.Errorf("sync triggers = %d, want 1", env.sync.triggerCount())
	}
}

// Given invalid fields, when a create lands, then a 422 problem lists
// every failure.
func TestCreateRecord_ValidationFailuresAreCollected(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/records/note", map[string]any{
		"owner_id": 0,
		"payload":  json.RawMessage(`[1,2,3]`),
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rr.Code, rr.Body.String())
	}

	var p struct {
		Problem
		Errors []struct {
			Field string `json:"field"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal problem: %v", err)
	}
	if len(p.Errors) != 2 {
		t.Errorf("errors = %+v, want owner_id and payload failures", p.Errors)
	}
	if env.sync.triggerCount() != 0 {
		t.Errorf("rejected create must not trigger a sync, got %d", env.sync.triggerCount())
	}
}

// Given an unknown entity type, when any record route is hit, then the
// response is a 400 problem.
func TestRecordRoutes_RejectUnknownEntityType(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/records/invoice", CreateRecordRequest{OwnerID: 1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body.String())
	}
}

// Given a created record, when fetched, updated, and deleted over HTTP,
// then each step reflects the store's offline lifecycle.
func TestRecordLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rr := env.request(t, http.MethodPost, "/api/v1/records/note", CreateRecordRequest{
		OwnerID: 7,
		Payload: json.RawMessage(`{"text":"v1"}`),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rr.Code, rr.Body.String())
	}
	var rec types.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// Fetch it back.
	rr = env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/records/note/%d", rec.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d: %s", rr.Code, rr.Body.String())
	}

	// Update coalesces onto the pending create.
	rr = env.request(t, http.MethodPut, fmt.Sprintf("/api/v1/records/note/%d", rec.ID), UpdateRecordRequest{
		Payload: json.RawMessage(`{"text":"v2"}`),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rr.Code, rr.Body.String())
	}
	var updated types.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.SyncStatus != types.StatusPendingCreate {
		t.Errorf("SyncStatus after edit = %q, want PENDING_CREATE (never synced)", updated.SyncStatus)
	}

	// Delete of a never-synced record cancels it outright.
	rr = env.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/records/note/%d", rec.ID), nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", rr.Code, rr.Body.String())
	}
	count, err := env.store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if count != 0 {
		t.Errorf("PendingCount = %d, want 0 after cancelled create", count)
	}

	rr = env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/records/note/%d", rec.ID), nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rr.Code)
	}
}

// Given records for two owners, when listing by owner, then only that
// owner's records return.
func TestListRecords_FiltersByOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, ownerID := range []int64{7, 7, 8} {
		if _, err := env.store.CreateLocal(ctx, types.Record{EntityType: types.EntityNote, OwnerID: ownerID}); err != nil {
			t.Fatalf("CreateLocal() error = %v", err)
		}
	}

	rr := env.request(t, http.MethodGet, "/api/v1/records/note?owner_id=7", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var recs []types.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("records = %d, want 2", len(recs))
	}

	// Listing without a filter is an error, not a full table dump.
	rr = env.request(t, http.MethodGet, "/api/v1/records/note", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unfiltered list status = %d, want 400", rr.Code)
	}
}

// Given queued work, when the queue endpoints are hit, then entries and
// stats come back.
func TestQueueEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.store.CreateLocal(ctx, types.Record{EntityType: types.EntityNote, OwnerID: 7}); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}

	rr := env.request(t, http.MethodGet, "/api/v1/queue", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("queue status = %d: %s", rr.Code, rr.Body.String())
	}
	var ops []types.PendingOperation
	if err := json.Unmarshal(rr.Body.Bytes(), &ops); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ops) != 1 || ops[0].Operation != types.OpCreate {
		t.Errorf("ops = %+v, want one CREATE", ops)
	}

	rr = env.request(t, http.MethodGet, "/api/v1/queue/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status = %d: %s", rr.Code, rr.Body.String())
	}
	var stats types.QueueStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Total != 1 || stats.Retryable != 1 || stats.Dead != 0 {
		t.Errorf("stats = %+v, want total=1 retryable=1 dead=0", stats)
	}
}

// Given a trigger request, when it lands, then 202 returns immediately
// and the coordinator is poked.
func TestTriggerSync_Returns202(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/sync/trigger", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if env.sync.triggerCount() != 1 {
		t.Errorf("triggers = %d, want 1", env.sync.triggerCount())
	}
}

// Given a last pass report, when sync status is queried, then it carries
// the report, the network state, and the pending count.
func TestSyncStatus_CarriesReport(t *testing.T) {
	env := newTestEnv(t)
	env.sync.report = &types.SyncReport{Attempted: 3, Synced: 2, Failed: 1, StartedAt: time.Now().UTC()}

	rr := env.request(t, http.MethodGet, "/api/v1/sync/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp SyncStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Online {
		t.Error("Online = false, want true")
	}
	if resp.LastReport == nil || resp.LastReport.Synced != 2 {
		t.Errorf("LastReport = %+v, want synced=2", resp.LastReport)
	}
}

// Given a document served over HTTP, when the download endpoint is hit,
// then the file lands in the cache and shows up in stats.
func TestDownloadDocument_CachesFile(t *testing.T) {
	env := newTestEnv(t)

	fileBody := strings.Repeat("d", 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fileBody))
	}))
	defer srv.Close()

	rr := env.request(t, http.MethodPost, "/api/v1/cache/files/42", DownloadRequest{
		FileURL:  srv.URL + "/documents/42.pdf",
		FileName: "inspection.pdf",
		FileSize: 2048,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp DownloadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.DocumentID != 42 || resp.LocalPath == "" {
		t.Errorf("response = %+v, want document 42 with a local path", resp)
	}

	rr = env.request(t, http.MethodGet, "/api/v1/cache/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rr.Code)
	}
	var stats types.CacheStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Entries != 1 || stats.TotalBytes != 2048 {
		t.Errorf("stats = %+v, want 1 entry of 2048 bytes", stats)
	}
}

// Given an unreachable file URL, when the download endpoint is hit, then
// a 502 problem returns and nothing is cached.
func TestDownloadDocument_FailureReturns502(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/cache/files/43", DownloadRequest{
		FileURL:  "http://127.0.0.1:1/unreachable.pdf",
		FileName: "x.pdf",
	})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rr.Code, rr.Body.String())
	}
	if env.cache.IsCached(context.Background(), 43) {
		t.Error("failed download must not be cached")
	}
}

// Given a live watch stream, when a record changes, then the change
// event arrives over SSE.
func TestWatch_StreamsChangeEvents(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/watch", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("watch request error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// Consume the opening comment.
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read opening line: %v", err)
	}

	rec, err := env.store.CreateLocal(context.Background(), types.Record{EntityType: types.EntityNote, OwnerID: 7})
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}

	var dataLine string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}
	if dataLine == "" {
		t.Fatal("no change event arrived on the stream")
	}

	var ev store.ChangeEvent
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.ID != rec.ID || ev.Kind != store.ChangeCreated {
		t.Errorf("event = %+v, want created event for %d", ev, rec.ID)
	}
}

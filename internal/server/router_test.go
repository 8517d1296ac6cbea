package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/openrelief/fieldsync/internal/bridge"
	"github.com/openrelief/fieldsync/internal/queue"
	"github.com/openrelief/fieldsync/internal/syncer"
	"gorm.io/gorm"
)

var testDatabaseSequence int64

func newTestQueue(t *testing.T) *queue.Store {
	t.Helper()
	sequence := atomic.AddInt64(&testDatabaseSequence, 1)
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", sequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&queue.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := queue.NewStore(queue.StoreConfig{
		Database:   db,
		IDProvider: queue.NewOfflineIDProvider(nil),
	})
	if err != nil {
		t.Fatalf("failed to build queue store: %v", err)
	}
	return store
}

type acceptAllClient struct{}

func (acceptAllClient) UploadBatch(_ context.Context, batch syncer.Batch) (syncer.BatchResult, error) {
	result := syncer.BatchResult{}
	for _, record := range batch.Records {
		result.Accepted = append(result.Accepted, record.OfflineID)
	}
	return result, nil
}

type staticDevice struct{}

func (staticDevice) ResolveDeviceID() (string, error) { return "device-1", nil }
func (staticDevice) Info() map[string]string          { return map[string]string{} }

type staticMonitor struct{ online bool }

func (m staticMonitor) IsOnline() bool { return m.online }

type testHarness struct {
	handler    http.Handler
	queueStore *queue.Store
	dispatcher *bridge.Dispatcher
}

func newTestHarness(t *testing.T) testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	queueStore := newTestQueue(t)
	coordinator, err := syncer.NewCoordinator(syncer.CoordinatorConfig{
		Queue:        queueStore,
		Client:       acceptAllClient{},
		Device:       staticDevice{},
		DisplayDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	dispatcher := bridge.NewDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Queue:             queueStore,
		Coordinator:       coordinator,
		Monitor:           staticMonitor{online: true},
		Bridge:            dispatcher,
		Interceptor:       http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		RejectedRetention: 7 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testHarness{handler: handler, queueStore: queueStore, dispatcher: dispatcher}
}

func performJSON(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestEnqueueEndpointAcceptsKnownKind(t *testing.T) {
	harness := newTestHarness(t)

	recorder := performJSON(t, harness.handler, http.MethodPost, "/api/queue", map[string]any{
		"kind":    "beneficiary_registration",
		"payload": map[string]any{"name": "Amina"},
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		OfflineID string `json:"offline_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.OfflineID == "" {
		t.Fatalf("expected an offline id")
	}

	count, err := harness.queueStore.CountPending(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pending record, got %d", count)
	}
}

func TestEnqueueEndpointRejectsUnknownKind(t *testing.T) {
	harness := newTestHarness(t)

	recorder := performJSON(t, harness.handler, http.MethodPost, "/api/queue", map[string]any{
		"kind":    "medical_evacuation",
		"payload": map[string]any{},
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestEnqueueEndpointRejectsMissingPayload(t *testing.T) {
	harness := newTestHarness(t)

	recorder := performJSON(t, harness.handler, http.MethodPost, "/api/queue", map[string]any{
		"kind": "loss_report",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestPendingEndpointFiltersAndValidatesKind(t *testing.T) {
	harness := newTestHarness(t)
	if _, err := harness.queueStore.Enqueue(context.Background(), "loss_report", `{"what":"tent"}`); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if _, err := harness.queueStore.Enqueue(context.Background(), "aid_distribution", `{}`); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	recorder := performJSON(t, harness.handler, http.MethodGet, "/api/queue/pending?kind=loss_report", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var response struct {
		Records []struct {
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload"`
		} `json:"records"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Records) != 1 || response.Records[0].Kind != "loss_report" {
		t.Fatalf("unexpected records: %#v", response.Records)
	}

	invalid := performJSON(t, harness.handler, http.MethodGet, "/api/queue/pending?kind=bogus", nil)
	if invalid.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status for bogus kind: %d", invalid.Code)
	}
}

func TestSyncStatusReportsPendingCountsAndState(t *testing.T) {
	harness := newTestHarness(t)
	if _, err := harness.queueStore.Enqueue(context.Background(), "beneficiary_registration", `{}`); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	recorder := performJSON(t, harness.handler, http.MethodGet, "/api/sync/status", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var response struct {
		State   string           `json:"state"`
		Online  bool             `json:"online"`
		Pending map[string]int64 `json:"pending"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.State != "idle" {
		t.Fatalf("unexpected state: %q", response.State)
	}
	if !response.Online {
		t.Fatalf("expected online flag from monitor")
	}
	if response.Pending["beneficiary_registration"] != 1 || response.Pending["total"] != 1 {
		t.Fatalf("unexpected pending counts: %#v", response.Pending)
	}
}

func TestSyncTriggerDrainsQueue(t *testing.T) {
	harness := newTestHarness(t)
	if _, err := harness.queueStore.Enqueue(context.Background(), "aid_distribution", `{}`); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	recorder := performJSON(t, harness.handler, http.MethodPost, "/api/sync/trigger", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var outcome syncer.Outcome
	if err := json.Unmarshal(recorder.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("failed to decode outcome: %v", err)
	}
	if outcome.Succeeded != 1 || outcome.Pending != 0 {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
}

func TestCacheControlEndpointsPublishBridgeMessages(t *testing.T) {
	harness := newTestHarness(t)
	stream, cancel := harness.dispatcher.Subscribe(context.Background())
	defer cancel()

	clearResp := performJSON(t, harness.handler, http.MethodPost, "/api/cache/clear", nil)
	if clearResp.Code != http.StatusAccepted {
		t.Fatalf("unexpected clear status: %d", clearResp.Code)
	}
	warm := performJSON(t, harness.handler, http.MethodPost, "/api/cache/warm", map[string]any{
		"urls": []string{"/", "/app.js"},
	})
	if warm.Code != http.StatusAccepted {
		t.Fatalf("unexpected warm status: %d", warm.Code)
	}
	activate := performJSON(t, harness.handler, http.MethodPost, "/api/worker/activate", nil)
	if activate.Code != http.StatusAccepted {
		t.Fatalf("unexpected activate status: %d", activate.Code)
	}

	wantTypes := []bridge.MessageType{
		bridge.MessageTypeClearCache,
		bridge.MessageTypeCacheURLs,
		bridge.MessageTypeSkipWaiting,
	}
	for _, want := range wantTypes {
		select {
		case message := <-stream:
			if message.Type != want {
				t.Fatalf("unexpected message type: got %q want %q", message.Type, want)
			}
			if want == bridge.MessageTypeCacheURLs && len(message.URLs) != 2 {
				t.Fatalf("unexpected warm urls: %#v", message.URLs)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestPurgeEndpointRemovesSyncedAndStaleRecords(t *testing.T) {
	harness := newTestHarness(t)
	offlineID, err := harness.queueStore.Enqueue(context.Background(), "loss_report", `{}`)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if err := harness.queueStore.MarkSynced(context.Background(), offlineID); err != nil {
		t.Fatalf("unexpected mark synced error: %v", err)
	}

	recorder := performJSON(t, harness.handler, http.MethodPost, "/api/queue/purge?stale=true", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	var response struct {
		PurgedSynced int64 `json:"purged_synced"`
		PurgedStale  int64 `json:"purged_stale"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.PurgedSynced != 1 || response.PurgedStale != 0 {
		t.Fatalf("unexpected purge counts: %#v", response)
	}
}

func TestUnroutedRequestsFallThroughToInterceptor(t *testing.T) {
	harness := newTestHarness(t)

	recorder := performJSON(t, harness.handler, http.MethodGet, "/static/app.js", nil)
	if recorder.Code != http.StatusTeapot {
		t.Fatalf("expected interceptor catch-all, got %d", recorder.Code)
	}
}

func TestMetricsEndpointIsExposed(t *testing.T) {
	harness := newTestHarness(t)

	recorder := performJSON(t, harness.handler, http.MethodGet, "/metrics", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workitem-pipeline/internal/config"
	"workitem-pipeline/internal/logging"
	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/secrets"
)

func TestWithoutTrigger(t *testing.T) {
	entries := []models.RunHistoryEntry{
		{ID: "1", Payload: models.Payload{"Name": "Alice"}},
		{ID: "2", Payload: models.TriggerPayload()},
		{ID: "3", Payload: models.Payload{"TYPE": "Other"}},
	}
	got := WithoutTrigger(entries)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}

func TestLocalSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	entries := []models.RunHistoryEntry{
		{ID: "a", StageName: models.StageConsumer, State: models.HistoryCompleted, Payload: models.Payload{"Name": "Alice"}},
		{ID: "b", StageName: models.StageConsumer, State: models.HistoryFailed, Payload: models.Payload{"Name": "Bob"},
			Exception: &models.Failure{Kind: models.KindBusiness, Code: "INVALID_ORDER", Message: "Invalid ZIP code"}},
		{ID: "c", StageName: models.StageReporter, State: models.HistoryCompleted, Payload: models.Payload{}},
	}
	require.NoError(t, WriteSnapshot(path, entries))

	got, err := Local{Path: path}.ListStageItems(context.Background(), models.StageConsumer, "ignored")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.HistoryFailed, got[1].State)
	assert.Equal(t, "INVALID_ORDER", got[1].Exception.Code)
}

func TestLocalAcceptsStagelessRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, writeFile(path, `[{"payload":{"Name":"Alice","Zip":1234},"state":"DONE"},{"payload":{"TYPE":"Reporter"},"state":"COMPLETED"}]`))

	got, err := Local{Path: path}.ListStageItems(context.Background(), models.StageConsumer, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.HistoryCompleted, got[0].State)
	assert.Len(t, WithoutTrigger(got), 1)
}

func TestLocalMissingFile(t *testing.T) {
	_, err := Local{Path: filepath.Join(t.TempDir(), "absent.json")}.ListStageItems(context.Background(), models.StageConsumer, "")
	assert.Error(t, err)
}

// fakeAPI serves the run-history API from fixed data, one record per page.
type fakeAPI struct {
	stepRuns   []StepRunRecord
	items      []WorkItemRecord
	failDetail string
	flaky      atomic.Int32
	calls      atomic.Int32
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if r.Header.Get("Authorization") != "WSKEY key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.flaky.Load() > 0 {
			f.flaky.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if !strings.Contains(r.URL.Path, "/work-items/") {
			assert.Equal(t, "run-1", r.URL.Query().Get("process_run_id"))
		}
		cursor, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
		switch {
		case strings.HasSuffix(r.URL.Path, "/workspaces/ws/step-runs"):
			writePage(w, f.stepRuns, cursor)
		case strings.HasSuffix(r.URL.Path, "/workspaces/ws/work-items"):
			summaries := make([]WorkItemRecord, len(f.items))
			for i, it := range f.items {
				summaries[i] = WorkItemRecord{ID: it.ID, ActivityRunID: it.ActivityRunID, State: it.State}
			}
			writePage(w, summaries, cursor)
		case strings.Contains(r.URL.Path, "/workspaces/ws/work-items/"):
			id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			if id == f.failDetail {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			for _, it := range f.items {
				if it.ID == id {
					_ = json.NewEncoder(w).Encode(it)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func writePage[T any](w http.ResponseWriter, all []T, cursor int) {
	page := Page[T]{Data: []T{}}
	if cursor < len(all) {
		page.Data = all[cursor : cursor+1]
	}
	if cursor+1 < len(all) {
		page.HasMore = true
		page.Next = strconv.Itoa(cursor + 1)
	}
	_ = json.NewEncoder(w).Encode(page)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		stepRuns: []StepRunRecord{
			{ID: "sr-producer", Step: StepRef{Name: models.StageProducer}},
			{ID: "sr-consumer-1", Step: StepRef{Name: models.StageConsumer}},
			{ID: "sr-consumer-2", Step: StepRef{Name: models.StageConsumer}},
			{ID: "sr-reporter", Step: StepRef{Name: models.StageReporter}},
		},
		items: []WorkItemRecord{
			{ID: "in", ActivityRunID: "sr-producer", State: "COMPLETED", Payload: models.Payload{"files": []any{"orders.xlsx"}}},
			{ID: "c1", ActivityRunID: "sr-consumer-1", State: "COMPLETED", Payload: models.Payload{"Name": "Alice", "Zip": 1234.0, "Product": "Widget"}},
			{ID: "c2", ActivityRunID: "sr-consumer-2", State: "FAILED", Payload: models.Payload{"Name": "Bob", "Zip": 99999.0, "Product": "Gadget"},
				Exception: &models.Failure{Kind: models.KindBusiness, Code: "INVALID_ORDER", Message: "Invalid ZIP code"}},
			{ID: "trigger", ActivityRunID: "sr-consumer-2", State: "COMPLETED", Payload: models.TriggerPayload()},
			{ID: "r1", ActivityRunID: "sr-reporter", State: "COMPLETED", Payload: models.Payload{}},
		},
	}
}

func newTestRemote(url string) *Remote {
	return NewRemote(RemoteConfig{
		BaseURL:         url + "/api/v1",
		WorkspaceID:     "ws",
		ProcessID:       "proc",
		APIKey:          "key",
		PageSize:        1,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		Logger:          logging.Discard(),
	})
}

func TestRemoteDrainsEveryPage(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	entries, err := newTestRemote(srv.URL).ListStageItems(context.Background(), models.StageConsumer, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c1", entries[0].ID)
	assert.Equal(t, models.HistoryFailed, entries[1].State)
	assert.Equal(t, "INVALID_ORDER", entries[1].Exception.Code)
	assert.True(t, entries[2].Payload.IsTrigger())
	assert.Len(t, WithoutTrigger(entries), 2)
}

func TestRemoteRetriesTransientFailures(t *testing.T) {
	api := newFakeAPI()
	api.flaky.Store(2)
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	entries, err := newTestRemote(srv.URL).ListStageItems(context.Background(), models.StageConsumer, "run-1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRemoteUnauthorizedIsNotRetried(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	remote := newTestRemote(srv.URL)
	remote.cfg.APIKey = "wrong"
	_, err := remote.ListStageItems(context.Background(), models.StageConsumer, "run-1")
	require.Error(t, err)
	assert.EqualValues(t, 1, api.calls.Load())
}

func TestRemoteReportsPartialHistory(t *testing.T) {
	api := newFakeAPI()
	api.failDetail = "c2"
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	entries, err := newTestRemote(srv.URL).ListStageItems(context.Background(), models.StageConsumer, "run-1")
	require.ErrorIs(t, err, ErrPartialHistory)
	require.Len(t, entries, 2)
	assert.Equal(t, "c1", entries[0].ID)
	assert.Equal(t, "trigger", entries[1].ID)
}

func TestNewSelectsBackendFromConfig(t *testing.T) {
	local, err := New(context.Background(), config.Config{HistorySnapshotPath: "snap.json"}, nil, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, Local{Path: "snap.json"}, local)

	vault := secrets.EnvVault{Environ: func() []string {
		return []string{"PROCESS_API_WORKSPACE_ID=ws", "PROCESS_API_PROCESS_ID=p", "PROCESS_API_APIKEY=key"}
	}}
	cfg := config.Config{Managed: true, HistorySecretName: "process_api", HistoryAPIURL: "http://history"}
	remote, err := New(context.Background(), cfg, vault, logging.Discard())
	require.NoError(t, err)
	require.IsType(t, &Remote{}, remote)
	assert.Equal(t, "ws", remote.(*Remote).cfg.WorkspaceID)

	incomplete := secrets.EnvVault{Environ: func() []string { return []string{"PROCESS_API_APIKEY=key"} }}
	_, err = New(context.Background(), cfg, incomplete, logging.Discard())
	assert.Error(t, err)
}

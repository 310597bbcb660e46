package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-offline-sync/internal/models"
	appErrors "github.com/noah-isme/sma-offline-sync/pkg/errors"
)

type recordServiceStub struct {
	records        map[string]models.Record
	includeDeleted bool
	created        json.RawMessage
	deleted        string
}

func (s *recordServiceStub) List(ctx context.Context, entity string, includeDeleted bool) ([]models.Record, error) {
	if entity != "students" {
		return nil, appErrors.ErrUnsupportedEntity
	}
	s.includeDeleted = includeDeleted
	out := make([]models.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *recordServiceStub) Get(ctx context.Context, entity, id string) (*models.Record, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "students record not found")
	}
	return &r, nil
}

func (s *recordServiceStub) Create(ctx context.Context, entity string, payload json.RawMessage) (*models.Record, error) {
	s.created = payload
	return &models.Record{ID: "new", Entity: models.EntityStudents, Status: models.StatusWaitingToSync, Payload: payload}, nil
}

func (s *recordServiceStub) Update(ctx context.Context, entity, id string, payload json.RawMessage) (*models.Record, error) {
	if _, ok := s.records[id]; !ok {
		return nil, appErrors.ErrNotFound
	}
	return &models.Record{ID: id, Entity: models.EntityStudents, Status: models.StatusWaitingToSync, Payload: payload}, nil
}

func (s *recordServiceStub) Delete(ctx context.Context, entity, id string) error {
	s.deleted = id
	return nil
}

type schedulerStub struct {
	status    models.SyncStatus
	err       error
	triggered bool
}

func (s *schedulerStub) Status() models.SyncStatus { return s.status }

func (s *schedulerStub) SyncNow(ctx context.Context) (models.CycleResult, error) {
	if s.err != nil {
		return models.CycleResult{}, s.err
	}
	return models.CycleResult{Trigger: models.TriggerManual, Entities: []models.EntityResult{
		{Entity: models.EntityStudents, Pushed: 1},
		{Entity: models.EntityReceipts, Failed: 1},
	}}, nil
}

func (s *schedulerStub) TriggerSync(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	s.triggered = true
	return nil
}

func (s *schedulerStub) Import(ctx context.Context) (models.CycleResult, error) {
	return models.CycleResult{Trigger: models.TriggerImport}, s.err
}

type operationLogStub struct {
	filter      models.OperationFilter
	retryEntity models.EntityType
}

func (s *operationLogStub) Operations(ctx context.Context, filter models.OperationFilter) ([]models.Operation, error) {
	s.filter = filter
	return []models.Operation{{ID: "op-1", Kind: models.OperationCreate, Status: models.OperationFailed, LastError: "rejected"}}, nil
}

func (s *operationLogStub) RetryFailed(ctx context.Context, entity models.EntityType) (int, error) {
	s.retryEntity = entity
	return 2, nil
}

type pingStub struct{ err error }

func (p pingStub) PingContext(ctx context.Context) error { return p.err }

type fixture struct {
	router    *gin.Engine
	records   *recordServiceStub
	scheduler *schedulerStub
	log       *operationLogStub
}

func newFixture(store storePinger) *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		records: &recordServiceStub{records: map[string]models.Record{
			"s1": {ID: "s1", Entity: models.EntityStudents, Status: models.StatusSynced, Payload: json.RawMessage(`{"id":"s1","name":"Ali"}`)},
		}},
		scheduler: &schedulerStub{status: models.SyncStatus{IsOnline: true, PendingCount: 3, State: models.SchedulerIdle}},
		log:       &operationLogStub{},
	}
	f.router = gin.New()
	RegisterRoutes(f.router, "/api/v1", Handlers{
		Health:  NewHealthHandler(nil, store, f.scheduler),
		Records: NewRecordHandler(f.records),
		Sync:    NewSyncHandler(f.scheduler, f.log, nil, nil),
	})
	return f
}

func (f *fixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRecordRoutes(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodGet, "/api/v1/records/students?includeDeleted=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.records.includeDeleted)
	body := decodeEnvelope(t, w)
	assert.Equal(t, float64(1), body["meta"].(map[string]interface{})["count"])
	first := body["data"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "synced", first["status"])

	w = f.do(http.MethodGet, "/api/v1/records/students?includeDeleted=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/records/invoices", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/v1/records/students/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeEnvelope(t, w)["error"].(map[string]interface{})["code"])

	w = f.do(http.MethodPost, "/api/v1/records/students", []byte(`{"name":"Budi"}`))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"name":"Budi"}`, string(f.records.created))

	w = f.do(http.MethodPost, "/api/v1/records/students", []byte(`{"name":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/v1/records/students/s1", []byte(`{"name":"Ali B"}`))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodDelete, "/api/v1/records/students/s1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "s1", f.records.deleted)
}

func TestSyncRoutes(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodGet, "/api/v1/sync/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(3), data["pendingCount"])
	assert.Equal(t, "idle", data["state"])

	w = f.do(http.MethodPost, "/api/v1/sync/now", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["partial"])

	w = f.do(http.MethodPost, "/api/v1/sync/now?async=true", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, f.scheduler.triggered)

	w = f.do(http.MethodPost, "/api/v1/sync/import", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSyncNowErrors(t *testing.T) {
	f := newFixture(nil)

	f.scheduler.err = appErrors.ErrOffline
	w := f.do(http.MethodPost, "/api/v1/sync/now", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f.scheduler.err = appErrors.ErrSyncInProgress
	w = f.do(http.MethodPost, "/api/v1/sync/now?async=true", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOperationRoutes(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodGet, "/api/v1/sync/operations?entity=students&status=failed,pending&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.EntityStudents, f.log.filter.Entity)
	assert.Equal(t, []models.OperationStatus{models.OperationFailed, models.OperationPending}, f.log.filter.Statuses)
	assert.Equal(t, 5, f.log.filter.Limit)
	op := decodeEnvelope(t, w)["data"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "CREATE", op["operation"])

	w = f.do(http.MethodGet, "/api/v1/sync/operations?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/sync/operations/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.EntityType(""), f.log.retryEntity)
	assert.Equal(t, float64(2), decodeEnvelope(t, w)["data"].(map[string]interface{})["requeued"])

	w = f.do(http.MethodPost, "/api/v1/sync/operations/retry", []byte(`{"entity":"receipts"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.EntityReceipts, f.log.retryEntity)
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(pingStub{})
	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeEnvelope(t, w)["online"])

	w = f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f = newFixture(pingStub{err: errors.New("database is locked")})
	w = f.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

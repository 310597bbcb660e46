package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-offline-sync/internal/models"
	"github.com/noah-isme/sma-offline-sync/internal/repository"
	"github.com/noah-isme/sma-offline-sync/pkg/config"
	"github.com/noah-isme/sma-offline-sync/pkg/database"
	"github.com/noah-isme/sma-offline-sync/pkg/objectid"
	"github.com/noah-isme/sma-offline-sync/pkg/remote"
	"github.com/noah-isme/sma-offline-sync/pkg/retry"
)

var (
	errNetworkDown  = errors.New("dial tcp: connection refused")
	errResponseLost = errors.New("net/http: request canceled (Client.Timeout exceeded while awaiting headers)")
)

// remoteStub is an in-memory server keeping one collection per entity.
type remoteStub struct {
	mu         sync.Mutex
	docs       map[string]map[string]map[string]interface{}
	calls      []string
	down       bool
	assignIDs  bool
	ignoreKeys bool
	// ackOnly makes Update answer with a bare acknowledgement.
	ackOnly  bool
	failures map[string][]error
	// lost counts responses dropped after the call took effect.
	lost     map[string]int
	idempKey map[string]string
	onCall   func(call string)
}

func newRemoteStub() *remoteStub {
	return &remoteStub{
		docs:     make(map[string]map[string]map[string]interface{}),
		failures: make(map[string][]error),
		lost:     make(map[string]int),
		idempKey: make(map[string]string),
	}
}

func (r *remoteStub) seed(entity, id string, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := map[string]interface{}{"_id": id}
	for k, v := range fields {
		doc[k] = v
	}
	r.collection(entity)[id] = doc
}

func (r *remoteStub) setDown(down bool) {
	r.mu.Lock()
	r.down = down
	r.mu.Unlock()
}

func (r *remoteStub) failNext(call string, errs ...error) {
	r.mu.Lock()
	r.failures[call] = append(r.failures[call], errs...)
	r.mu.Unlock()
}

func (r *remoteStub) loseResponses(call string, n int) {
	r.mu.Lock()
	r.lost[call] += n
	r.mu.Unlock()
}

// settle returns errResponseLost when the response to call is dropped.
// Callers hold r.mu.
func (r *remoteStub) settle(call string) error {
	if r.lost[call] > 0 {
		r.lost[call]--
		return errResponseLost
	}
	return nil
}

func (r *remoteStub) doc(entity, id string) (map[string]interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.collection(entity)[id]
	return doc, ok
}

func (r *remoteStub) count(entity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.collection(entity))
}

func (r *remoteStub) callCount(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *remoteStub) collection(entity string) map[string]map[string]interface{} {
	c, ok := r.docs[entity]
	if !ok {
		c = make(map[string]map[string]interface{})
		r.docs[entity] = c
	}
	return c
}

// begin records the call and returns the injected failure, if any.
func (r *remoteStub) begin(call string) error {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	hook := r.onCall
	var err error
	switch {
	case r.down:
		err = errNetworkDown
	case len(r.failures[call]) > 0:
		err = r.failures[call][0]
		r.failures[call] = r.failures[call][1:]
	}
	r.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return err
}

func (r *remoteStub) List(ctx context.Context, entity string) ([]json.RawMessage, error) {
	if err := r.begin("LIST " + entity); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.collection(entity)))
	for id := range r.collection(entity) {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		raw, _ := json.Marshal(r.collection(entity)[id])
		out = append(out, raw)
	}
	return out, nil
}

// Create honours idempotency keys: a replay answers with the record the
// first post produced. Without a matching key a taken id is a 409.
func (r *remoteStub) Create(ctx context.Context, entity, key string, doc json.RawMessage) (json.RawMessage, error) {
	call := "CREATE " + entity
	if err := r.begin(call); err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, &remote.StatusError{Method: http.MethodPost, StatusCode: http.StatusBadRequest, Message: "bad json"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ignoreKeys {
		key = ""
	}
	if key != "" {
		if id, ok := r.idempKey[entity+"/"+key]; ok {
			if existing, ok := r.collection(entity)[id]; ok {
				if err := r.settle(call); err != nil {
					return nil, err
				}
				return json.Marshal(existing)
			}
		}
	}
	id, _ := fields["id"].(string)
	if r.assignIDs || id == "" {
		id = objectid.New()
	} else if _, taken := r.collection(entity)[id]; taken {
		return nil, &remote.StatusError{Method: http.MethodPost, StatusCode: http.StatusConflict, Message: "duplicate key"}
	}
	delete(fields, "id")
	fields["_id"] = id
	r.collection(entity)[id] = fields
	if key != "" {
		r.idempKey[entity+"/"+key] = id
	}
	if err := r.settle(call); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func (r *remoteStub) Update(ctx context.Context, entity, id string, doc json.RawMessage) (json.RawMessage, error) {
	if err := r.begin("UPDATE " + entity); err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, &remote.StatusError{Method: http.MethodPut, StatusCode: http.StatusBadRequest, Message: "bad json"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collection(entity)[id]; !ok {
		return nil, &remote.StatusError{Method: http.MethodPut, StatusCode: http.StatusNotFound, Message: "not found"}
	}
	delete(fields, "id")
	fields["_id"] = id
	r.collection(entity)[id] = fields
	if r.ackOnly {
		return json.RawMessage(`{"message":"updated"}`), nil
	}
	return json.Marshal(fields)
}

func (r *remoteStub) Delete(ctx context.Context, entity, id string) error {
	if err := r.begin("DELETE " + entity); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collection(entity)[id]; !ok {
		return &remote.StatusError{Method: http.MethodDelete, StatusCode: http.StatusNotFound, Message: "not found"}
	}
	delete(r.collection(entity), id)
	return nil
}

// syncFixture is one device: its own local store wired to a shared remote.
type syncFixture struct {
	records *repository.RecordRepository
	ops     *repository.OperationRepository
	session *Session
	writes  *RecordService
	sync    *SyncService
	remote  *remoteStub
	meta    *repository.MetaRepository
	users   *userStub
}

// userStub stands in for the token service's signed-in user.
type userStub struct {
	mu sync.Mutex
	id string
}

func (u *userStub) UserID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.id
}

func (u *userStub) signIn(id string) {
	u.mu.Lock()
	u.id = id
	u.mu.Unlock()
}

func newSyncFixture(t *testing.T, rs *remoteStub) *syncFixture {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.Migrate(context.Background(), db))

	records := repository.NewRecordRepository(db)
	ops := repository.NewOperationRepository(db)
	tx := repository.NewTxManager(db)
	session := NewSession(ops, nil, true)
	meta := repository.NewMetaRepository(db)
	users := &userStub{}

	writes := NewRecordService(records, ops, tx, validator.New(), nil, WithRecordSession(session))
	syncSvc := NewSyncService(records, ops, rs, tx, nil, nil, SyncServiceConfig{
		Entities: []models.EntityType{models.EntityStudents, models.EntityReceipts},
		Retry: retry.Options{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Sleep:        func(context.Context, time.Duration) error { return nil },
		},
	}, WithImportScope(meta, users))

	return &syncFixture{records: records, ops: ops, session: session, writes: writes, sync: syncSvc, remote: rs, meta: meta, users: users}
}

func (f *syncFixture) queue(t *testing.T) []models.Operation {
	t.Helper()
	ops, err := f.ops.List(context.Background(), models.OperationFilter{})
	require.NoError(t, err)
	return ops
}

func payloadField(t *testing.T, payload json.RawMessage, field string) interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &doc))
	return doc[field]
}

package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-offline-sync/internal/models"
	"github.com/noah-isme/sma-offline-sync/pkg/objectid"
	"github.com/noah-isme/sma-offline-sync/pkg/remote"
)

func TestSyncPushesOfflineCreateAndAdoptsServerID(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	rs.assignIDs = true
	f := newSyncFixture(t, rs)

	student, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Ali"}`))
	require.NoError(t, err)
	localID := student.ID
	assert.Equal(t, models.StatusWaitingToSync, student.Status)

	receipt, err := f.writes.Create(ctx, "receipts", json.RawMessage(`{"studentId":"`+localID+`","amount":150000}`))
	require.NoError(t, err)
	assert.Equal(t, 2, f.session.PendingCount())

	result := f.sync.SyncAll(ctx, models.TriggerManual)
	require.True(t, result.Succeeded(), "%+v", result)
	assert.Empty(t, f.queue(t))

	students, err := f.records.GetAll(ctx, models.EntityStudents, false)
	require.NoError(t, err)
	require.Len(t, students, 1)
	serverID := students[0].ID
	assert.NotEqual(t, localID, serverID)
	assert.Equal(t, models.StatusSynced, students[0].Status)
	assert.Equal(t, "Ali", payloadField(t, students[0].Payload, "name"))

	_, err = f.records.Get(ctx, models.EntityStudents, localID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	receipts, err := f.records.GetAll(ctx, models.EntityReceipts, false)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.NotEqual(t, receipt.ID, receipts[0].ID)
	assert.Equal(t, serverID, payloadField(t, receipts[0].Payload, "studentId"))

	remoteReceipt, ok := rs.doc("receipts", receipts[0].ID)
	require.True(t, ok)
	assert.Equal(t, serverID, remoteReceipt["studentId"])
}

func TestSyncKeepsOfflineMutationsUntilDelivered(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	f := newSyncFixture(t, rs)
	rs.setDown(true)

	rec, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Budi"}`))
	require.NoError(t, err)
	_, err = f.writes.Update(ctx, "students", rec.ID, json.RawMessage(`{"name":"Budi Santoso"}`))
	require.NoError(t, err)

	result := f.sync.SyncAll(ctx, models.TriggerInterval)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 3, rs.callCount("CREATE students"))

	queue := f.queue(t)
	require.Len(t, queue, 1)
	assert.Equal(t, models.OperationCreate, queue[0].Kind)
	assert.Equal(t, models.OperationFailed, queue[0].Status)
	assert.Equal(t, 3, queue[0].Attempts)
	assert.Contains(t, queue[0].LastError, "connection refused")

	stored, err := f.records.Get(ctx, models.EntityStudents, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingToSync, stored.Status)

	rs.setDown(false)
	result = f.sync.SyncAll(ctx, models.TriggerReconnect)
	require.True(t, result.Succeeded(), "%+v", result)
	assert.Empty(t, f.queue(t))

	doc, ok := rs.doc("students", rec.ID)
	require.True(t, ok)
	assert.Equal(t, "Budi Santoso", doc["name"])

	stored, err = f.records.Get(ctx, models.EntityStudents, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, stored.Status)
}

func TestSyncTerminalRejectionMakesOneAttemptPerCycle(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	f := newSyncFixture(t, rs)
	rs.failNext("CREATE students", &remote.StatusError{Method: http.MethodPost, StatusCode: http.StatusBadRequest, Message: "name is required"})

	_, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Citra"}`))
	require.NoError(t, err)

	result := f.sync.SyncAll(ctx, models.TriggerManual)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 1, rs.callCount("CREATE students"))
	assert.Equal(t, 1, result.Totals().Failed)

	queue := f.queue(t)
	require.Len(t, queue, 1)
	assert.Equal(t, models.OperationFailed, queue[0].Status)
	assert.Equal(t, 1, queue[0].Attempts)
	assert.Contains(t, queue[0].LastError, "name is required")

	result = f.sync.SyncAll(ctx, models.TriggerManual)
	require.True(t, result.Succeeded(), "%+v", result)
	assert.Equal(t, 2, rs.callCount("CREATE students"))
	assert.Empty(t, f.queue(t))
}

func TestSyncCreateThenDeleteNeverReachesServer(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	f := newSyncFixture(t, rs)

	rec, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Dewi"}`))
	require.NoError(t, err)
	require.NoError(t, f.writes.Delete(ctx, "students", rec.ID))

	assert.Empty(t, f.queue(t))
	_, err = f.records.Get(ctx, models.EntityStudents, rec.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	result := f.sync.SyncAll(ctx, models.TriggerManual)
	require.True(t, result.Succeeded())
	assert.Zero(t, rs.callCount("CREATE students"))
	assert.Zero(t, rs.callCount("DELETE students"))
}

func TestSyncDeleteAfterUnacknowledgedCreateRemovesServerCopy(t *testing.T) {
	for _, assignIDs := range []bool{false, true} {
		ctx := context.Background()
		rs := newRemoteStub()
		rs.assignIDs = assignIDs
		f := newSyncFixture(t, rs)
		rs.loseResponses("CREATE students", 3)

		rec, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Eko"}`))
		require.NoError(t, err)

		result := f.sync.SyncAll(ctx, models.TriggerManual)
		assert.False(t, result.Succeeded())
		assert.Equal(t, 1, rs.count("students"), "assignIDs=%v", assignIDs)
		queue := f.queue(t)
		require.Len(t, queue, 1)
		assert.Equal(t, models.OperationFailed, queue[0].Status)
		assert.True(t, queue[0].Sent)

		require.NoError(t, f.writes.Delete(ctx, "students", rec.ID))
		queue = f.queue(t)
		require.Len(t, queue, 1, "delete must stay queued once the create went out")
		assert.Equal(t, models.OperationDelete, queue[0].Kind)

		result = f.sync.SyncAll(ctx, models.TriggerManual)
		require.True(t, result.Succeeded(), "%+v", result)
		assert.Zero(t, rs.count("students"), "assignIDs=%v", assignIDs)
		assert.Equal(t, 1, rs.callCount("DELETE students"))
		assert.Empty(t, f.queue(t))

		local, err := f.records.GetAll(ctx, models.EntityStudents, true)
		require.NoError(t, err)
		assert.Empty(t, local, "assignIDs=%v", assignIDs)
	}
}

func TestSyncReplayedCreateDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	rs.assignIDs = true
	f := newSyncFixture(t, rs)
	rs.loseResponses("CREATE students", 1)

	_, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Fajar"}`))
	require.NoError(t, err)

	result := f.sync.SyncAll(ctx, models.TriggerManual)
	require.True(t, result.Succeeded(), "%+v", result)
	assert.Equal(t, 2, rs.callCount("CREATE students"))
	assert.Equal(t, 1, rs.count("students"))
	assert.Empty(t, f.queue(t))

	local, err := f.records.GetAll(ctx, models.EntityStudents, true)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, models.StatusSynced, local[0].Status)
	_, onServer := rs.doc("students", local[0].ID)
	assert.True(t, onServer)
}

func TestSyncReplayedCreateConflictConfirms(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	rs.ignoreKeys = true
	f := newSyncFixture(t, rs)
	rs.loseResponses("CREATE students", 1)

	rec, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Gita"}`))
	require.NoError(t, err)

	result := f.sync.SyncAll(ctx, models.TriggerManual)
	require.True(t, result.Succeeded(), "%+v", result)
	assert.Equal(t, 2, rs.callCount("CREATE students"))
	assert.Equal(t, 1, rs.count("students"))
	assert.Empty(t, f.queue(t))

	stored, err := f.records.Get(ctx, models.EntityStudents, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, stored.Status)
	assert.Equal(t, "Gita", payloadField(t, stored.Payload, "name"))
}

func TestSyncFirstCreateConflictIsRejected(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	id := objectid.New()
	rs.seed("students", id, map[string]interface{}{"name": "Server copy"})
	f := newSyncFixture(t, rs)

	_, err := f.writes.Create(ctx, "students", json.RawMessage(`{"_id":"`+id+`","name":"Hadi"}`))
	require.NoError(t, err)

	result := f.sync.SyncAll(ctx, models.TriggerManual)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 1, rs.callCount("CREATE students"))

	queue := f.queue(t)
	require.Len(t, queue, 1)
	assert.Equal(t, models.OperationFailed, queue[0].Status)
	assert.Contains(t, queue[0].LastError, "duplicate key")

	stored, err := f.records.Get(ctx, models.EntityStudents, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingToSync, stored.Status)
	assert.Equal(t, "Hadi", payloadField(t, stored.Payload, "name"))
}

func TestSyncRepeatedUpdatesSendLatestOnce(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	id := objectid.New()
	rs.seed("students", id, map[string]interface{}{"name": "Eka"})
	f := newSyncFixture(t, rs)

	imported := f.sync.Import(ctx)
	require.True(t, imported.Succeeded())

	for _, name := range []string{"Eka P", "Eka Putri", "Eka Putri S"} {
		_, err := f.writes.Update(ctx, "students", id, json.RawMessage(`{"name":"`+name+`"}`))
		require.NoError(t, err)
	}
	queue := f.queue(t)
	require.Len(t, queue, 1)
	assert.Equal(t, models.OperationUpdate, queue[0].Kind)

	result := f.sync.SyncAll(ctx, models.TriggerManual)
	require.True(t, result.Succeeded())
	assert.Equal(t, 1, rs.callCount("UPDATE students"))
	doc, _ := rs.doc("students", id)
	assert.Equal(t, "Eka Putri S", doc["name"])
}

func TestSyncDeleteRemovesTombstoneAfterConfirmation(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	id := objectid.New()
	rs.seed("students", id, map[string]interface{}{"name": "Fajar"})
	f := newSyncFixture(t, rs)
	require.True(t, f.sync.Import(ctx).Succeeded())

	require.NoError(t, f.writes.Delete(ctx, "students", id))
	tomb, err := f.records.Get(ctx, models.EntityStudents, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingDeletion, tomb.Status)

	require.True(t, f.sync.SyncAll(ctx, models.TriggerManual).Succeeded())
	assert.Equal(t, 0, rs.count("students"))
	_, err = f.records.Get(ctx, models.EntityStudents, id)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Empty(t, f.queue(t))
}

func TestMergeCleanRecordsTakeServerVersion(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	id := objectid.New()
	rs.seed("students", id, map[string]interface{}{"name": "Gita"})
	f := newSyncFixture(t, rs)
	require.True(t, f.sync.Import(ctx).Succeeded())

	rs.seed("students", id, map[string]interface{}{"name": "Gita Lestari"})
	result := f.sync.SyncAll(ctx, models.TriggerInterval)
	require.True(t, result.Succeeded())
	assert.Equal(t, 1, result.Totals().Updated)

	rec, err := f.records.Get(ctx, models.EntityStudents, id)
	require.NoError(t, err)
	assert.Equal(t, "Gita Lestari", payloadField(t, rec.Payload, "name"))
	assert.Equal(t, models.StatusSynced, rec.Status)
}

func TestMergeKeepsLocalChangesAndPrunesCleanRecords(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	kept, gone := objectid.New(), objectid.New()
	rs.seed("students", kept, map[string]interface{}{"name": "Hadi"})
	rs.seed("students", gone, map[string]interface{}{"name": "Indah"})
	f := newSyncFixture(t, rs)
	require.True(t, f.sync.Import(ctx).Succeeded())

	_, err := f.writes.Update(ctx, "students", kept, json.RawMessage(`{"name":"Hadi (local)"}`))
	require.NoError(t, err)
	draft, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Joko"}`))
	require.NoError(t, err)

	remoteDoc := json.RawMessage(`{"_id":"` + kept + `","name":"Hadi (server)"}`)
	stats, err := f.sync.Merge(ctx, models.EntityStudents, []json.RawMessage{remoteDoc})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Removed)

	rec, err := f.records.Get(ctx, models.EntityStudents, kept)
	require.NoError(t, err)
	assert.Equal(t, "Hadi (local)", payloadField(t, rec.Payload, "name"))
	assert.Equal(t, models.StatusWaitingToSync, rec.Status)

	_, err = f.records.Get(ctx, models.EntityStudents, gone)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	_, err = f.records.Get(ctx, models.EntityStudents, draft.ID)
	assert.NoError(t, err)
}

func TestSyncTwoDevicesLastWriterWins(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	id := objectid.New()
	rs.seed("students", id, map[string]interface{}{"name": "Kartika"})
	a := newSyncFixture(t, rs)
	b := newSyncFixture(t, rs)
	require.True(t, a.sync.Import(ctx).Succeeded())
	require.True(t, b.sync.Import(ctx).Succeeded())

	_, err := a.writes.Update(ctx, "students", id, json.RawMessage(`{"name":"Kartika A"}`))
	require.NoError(t, err)
	_, err = b.writes.Update(ctx, "students", id, json.RawMessage(`{"name":"Kartika B"}`))
	require.NoError(t, err)

	require.True(t, a.sync.SyncAll(ctx, models.TriggerManual).Succeeded())
	require.True(t, b.sync.SyncAll(ctx, models.TriggerManual).Succeeded())
	require.True(t, a.sync.SyncAll(ctx, models.TriggerManual).Succeeded())

	doc, _ := rs.doc("students", id)
	assert.Equal(t, "Kartika B", doc["name"])
	for _, device := range []*syncFixture{a, b} {
		rec, err := device.records.Get(ctx, models.EntityStudents, id)
		require.NoError(t, err)
		assert.Equal(t, "Kartika B", payloadField(t, rec.Payload, "name"))
		assert.Equal(t, models.StatusSynced, rec.Status)
	}
}

func TestSyncEditDuringDeliveryIsQueuedAgain(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	id := objectid.New()
	rs.seed("students", id, map[string]interface{}{"name": "Lina"})
	f := newSyncFixture(t, rs)
	require.True(t, f.sync.Import(ctx).Succeeded())

	_, err := f.writes.Update(ctx, "students", id, json.RawMessage(`{"name":"Lina 1"}`))
	require.NoError(t, err)

	edited := false
	rs.onCall = func(call string) {
		if call != "UPDATE students" || edited {
			return
		}
		edited = true
		_, err := f.writes.Update(ctx, "students", id, json.RawMessage(`{"name":"Lina 2"}`))
		require.NoError(t, err)
	}

	require.True(t, f.sync.SyncAll(ctx, models.TriggerManual).Succeeded())
	doc, _ := rs.doc("students", id)
	assert.Equal(t, "Lina 1", doc["name"])

	rec, err := f.records.Get(ctx, models.EntityStudents, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingToSync, rec.Status)
	assert.Equal(t, "Lina 2", payloadField(t, rec.Payload, "name"))

	queue := f.queue(t)
	require.Len(t, queue, 1)
	assert.Equal(t, models.OperationPending, queue[0].Status)

	require.True(t, f.sync.SyncAll(ctx, models.TriggerManual).Succeeded())
	doc, _ = rs.doc("students", id)
	assert.Equal(t, "Lina 2", doc["name"])
	assert.Empty(t, f.queue(t))
}

func TestRecoverInFlightFoldsIntoSuccessor(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, newRemoteStub())

	rec, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Made"}`))
	require.NoError(t, err)
	queue := f.queue(t)
	require.Len(t, queue, 1)
	require.NoError(t, f.ops.MarkInFlight(ctx, queue[0].ID))

	_, err = f.writes.Update(ctx, "students", rec.ID, json.RawMessage(`{"name":"Made W"}`))
	require.NoError(t, err)
	require.Len(t, f.queue(t), 2)

	n, err := f.sync.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queue = f.queue(t)
	require.Len(t, queue, 1)
	assert.Equal(t, models.OperationCreate, queue[0].Kind)
	assert.Equal(t, models.OperationPending, queue[0].Status)
	assert.Equal(t, "Made W", payloadField(t, queue[0].Data, "name"))
}

func TestRecoverInFlightRequeuesLoneEntry(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, newRemoteStub())

	_, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Nina"}`))
	require.NoError(t, err)
	queue := f.queue(t)
	require.NoError(t, f.ops.MarkInFlight(ctx, queue[0].ID))

	n, err := f.sync.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	queue = f.queue(t)
	require.Len(t, queue, 1)
	assert.Equal(t, models.OperationPending, queue[0].Status)
}

func TestImportSeedsEmptyStoreWithoutPushing(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	rs.seed("students", objectid.New(), map[string]interface{}{"name": "Oka"})
	rs.seed("students", objectid.New(), map[string]interface{}{"name": "Putu"})
	f := newSyncFixture(t, rs)

	needs, err := f.sync.NeedsImport(ctx)
	require.NoError(t, err)
	assert.True(t, needs)

	result := f.sync.Import(ctx)
	require.True(t, result.Succeeded())
	assert.Equal(t, models.TriggerImport, result.Trigger)
	assert.Equal(t, 2, result.Totals().Inserted)

	needs, err = f.sync.NeedsImport(ctx)
	require.NoError(t, err)
	assert.False(t, needs)
	assert.Zero(t, rs.callCount("CREATE students"))
}

func TestNeedsImportFollowsSignedInUser(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	rs.seed("students", objectid.New(), map[string]interface{}{"name": "Oka"})
	f := newSyncFixture(t, rs)
	f.users.signIn("u-1")

	require.True(t, f.sync.Import(ctx).Succeeded())
	stored, err := f.meta.Get(ctx, importedUserKey)
	require.NoError(t, err)
	assert.Equal(t, "u-1", stored)

	needs, err := f.sync.NeedsImport(ctx)
	require.NoError(t, err)
	assert.False(t, needs)

	f.users.signIn("u-2")
	needs, err = f.sync.NeedsImport(ctx)
	require.NoError(t, err)
	assert.True(t, needs, "a different user on a populated store must import")

	rs.setDown(true)
	require.False(t, f.sync.Import(ctx).Succeeded())
	stored, err = f.meta.Get(ctx, importedUserKey)
	require.NoError(t, err)
	assert.Equal(t, "u-1", stored, "a failed import must not claim the new user")
}

func TestSyncUpdateAcknowledgementKeepsLocalPayload(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	id := objectid.New()
	rs.seed("students", id, map[string]interface{}{"name": "Wayan"})
	f := newSyncFixture(t, rs)
	require.True(t, f.sync.Import(ctx).Succeeded())

	_, err := f.writes.Update(ctx, "students", id, json.RawMessage(`{"name":"Wayan Sudarma"}`))
	require.NoError(t, err)
	rs.ackOnly = true
	rs.failNext("LIST students", errNetworkDown, errNetworkDown, errNetworkDown)

	result := f.sync.SyncAll(ctx, models.TriggerManual)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 1, rs.callCount("UPDATE students"))

	rec, err := f.records.Get(ctx, models.EntityStudents, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, rec.Status)
	assert.Equal(t, "Wayan Sudarma", payloadField(t, rec.Payload, "name"))
	assert.Nil(t, payloadField(t, rec.Payload, "message"))
	assert.Empty(t, f.queue(t))
}

func TestSyncAllContinuesPastFailingEntity(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	rs.seed("receipts", objectid.New(), map[string]interface{}{"studentId": objectid.New(), "amount": 1000})
	f := newSyncFixture(t, rs)
	rs.failNext("LIST students", errNetworkDown, errNetworkDown, errNetworkDown)

	result := f.sync.SyncAll(ctx, models.TriggerInterval)
	assert.False(t, result.Succeeded())
	assert.True(t, result.Partial())
	require.Len(t, result.Entities, 2)
	assert.NotEmpty(t, result.Entities[0].Error)
	assert.Equal(t, 1, result.Entities[1].Inserted)
}

func TestRetryFailedRequeuesOperations(t *testing.T) {
	ctx := context.Background()
	rs := newRemoteStub()
	f := newSyncFixture(t, rs)
	rs.failNext("CREATE students", &remote.StatusError{StatusCode: http.StatusUnprocessableEntity, Message: "rejected"})

	_, err := f.writes.Create(ctx, "students", json.RawMessage(`{"name":"Rina"}`))
	require.NoError(t, err)
	f.sync.SyncAll(ctx, models.TriggerManual)

	n, err := f.sync.RetryFailed(ctx, models.EntityStudents)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	queue := f.queue(t)
	require.Len(t, queue, 1)
	assert.Equal(t, models.OperationPending, queue[0].Status)
	assert.Zero(t, queue[0].Attempts)
}

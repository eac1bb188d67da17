package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/storage"
	"github.com/ashita-ai/kansa/internal/testutil"
	"github.com/ashita-ai/kansa/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var (
	testDB *storage.DB
	testPG *testutil.TestContainer
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc, err := testutil.StartPostgres()
	testPG = tc
	if err != nil {
		fmt.Fprintf(os.Stderr, "skipping storage integration tests: %v\n", err)
		os.Exit(0)
	}

	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newLedger(t *testing.T, clk clock.Clock) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(context.Background(), testDB, testutil.TestLogger(), ledger.Options{Clock: clk})
	require.NoError(t, err)
	return l
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.RunMigrations(ctx, migrations.FS))

	var checksum string
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT checksum FROM schema_migrations WHERE version = '001_initial.sql'`).Scan(&checksum))
	assert.Len(t, checksum, 64)
}

func TestMigrationsSkipEditedFiles(t *testing.T) {
	ctx := context.Background()
	edited := fstest.MapFS{
		"001_initial.sql": {Data: []byte("SELECT broken syntax that must never run;")},
	}
	require.NoError(t, testDB.RunMigrations(ctx, edited), "an applied file is never re-executed")
}

func TestInstanceLock_SecondGatewayRefused(t *testing.T) {
	ctx := context.Background()
	first, err := testPG.NewTestDB(ctx, testutil.TestLogger())
	require.NoError(t, err)
	defer first.Close(ctx)
	second, err := testPG.NewTestDB(ctx, testutil.TestLogger())
	require.NoError(t, err)
	defer second.Close(ctx)

	require.NoError(t, first.AcquireInstanceLock(ctx))
	require.NoError(t, first.AcquireInstanceLock(ctx), "re-acquiring a held lock is a no-op")
	assert.ErrorIs(t, second.AcquireInstanceLock(ctx), storage.ErrInstanceLocked)
	require.NoError(t, first.Ping(ctx))

	first.ReleaseInstanceLock(ctx)
	require.NoError(t, second.AcquireInstanceLock(ctx), "the lock frees when its session ends")
}

func TestAuditChain_RoundTripVerifies(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, clock.Real{})
	id := uuid.New()
	l.StartChain(id)

	payloads := []map[string]any{
		{"amount": 7500.5, "agent_id": "agent-7", "payload": map[string]any{"z": 1, "a": "ü"}},
		{"policy_version": "builtin-1"},
		{"mode": "human_on_the_loop", "reasons": []string{"band: veto"}},
	}
	for i, p := range payloads {
		_, err := l.Append(ctx, ledger.Event{
			WindowID: id, Type: model.AuditProposed, Actor: model.ActorSystem, Payload: p,
		}, ledger.Buffered)
		require.NoError(t, err, "entry %d", i)
	}
	_, err := l.Append(ctx, ledger.Event{
		WindowID: id, Type: model.AuditVetoed, Actor: model.ActorOperator, Terminal: true,
		Payload: map[string]any{"operator_id": "op-ana", "rationale": "wait for verification"},
	}, ledger.Sync)
	require.NoError(t, err)

	res, err := l.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)
	assert.Equal(t, 4, res.Entries)

	head, err := testDB.LatestAuditEntry(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, int64(4), head.WindowSeq)
	assert.Equal(t, time.UTC, head.OccurredAt.Location())
}

func TestAuditChain_TamperDetected(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, clock.Real{})
	id := uuid.New()
	l.StartChain(id)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, ledger.Event{
			WindowID: id, Type: model.AuditProposed, Payload: map[string]any{"step": i},
		}, ledger.Sync)
		require.NoError(t, err)
	}

	// The guard trigger refuses edits to sealed columns...
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE audit_entries SET hash = 'forged' WHERE window_id = $1 AND window_seq = 2`, id)
	require.Error(t, err)

	// ...but a payload edit slips past it and is caught by verification.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE audit_entries SET payload = '{"step": 99}'::jsonb WHERE window_id = $1 AND window_seq = 2`, id)
	require.NoError(t, err)

	res, err := l.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, int64(2), *res.BrokenAt)
}

func TestAuditEntries_DeleteRefused(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, clock.Real{})
	id := uuid.New()
	l.StartChain(id)
	_, err := l.Append(ctx, ledger.Event{WindowID: id, Type: model.AuditProposed}, ledger.Sync)
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx, `DELETE FROM audit_entries WHERE window_id = $1`, id)
	assert.Error(t, err)
}

func TestInsertAuditEntries_Idempotent(t *testing.T) {
	ctx := context.Background()
	seq, err := testDB.MaxGlobalSeq(ctx)
	require.NoError(t, err)
	e := model.AuditEntry{
		ID: uuid.New(), GlobalSeq: seq + 1000, WindowID: uuid.New(), WindowSeq: 1,
		EventType: model.AuditProposed, Payload: map[string]any{"a": 1.0},
		PayloadDigest: "d", OccurredAt: time.Now().UTC().Truncate(time.Microsecond), Hash: "h",
	}
	require.NoError(t, testDB.InsertAuditEntries(ctx, []model.AuditEntry{e}))
	require.NoError(t, testDB.InsertAuditEntries(ctx, []model.AuditEntry{e}))

	entries, err := testDB.ListAuditEntries(ctx, e.WindowID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	since, err := testDB.ListAuditEntriesSince(ctx, seq+999, 10)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, e.ID, since[0].ID)
}

func TestRedactOperators(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	l := newLedger(t, clk)
	id := uuid.New()
	l.StartChain(id)
	_, err := l.Append(ctx, ledger.Event{
		WindowID: id, Type: model.AuditApprovalRecorded, Actor: model.ActorOperator,
		Payload: map[string]any{"operator_id": "op-ana", "network_context": "vpn-a", "approvals": 1},
	}, ledger.Sync)
	require.NoError(t, err)

	n, err := testDB.RedactOperators(ctx, time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	entries, err := testDB.ListAuditEntries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Redacted)
	assert.Equal(t, ledger.RedactedValue, entries[0].Payload["operator_id"])
	assert.Equal(t, ledger.RedactedValue, entries[0].Payload["network_context"])
	assert.Equal(t, float64(1), entries[0].Payload["approvals"])

	res, err := l.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)

	// A redacted row is frozen.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE audit_entries SET payload = payload || '{"approvals": 9}'::jsonb WHERE window_id = $1`, id)
	assert.Error(t, err)
}

func TestWindowStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	w := model.DecisionWindow{
		ID:        uuid.New(),
		Request:   model.DecisionRequest{ID: uuid.New(), AgentID: "agent-1", AgentType: model.AgentFast, Amount: 10},
		State:     model.StateAwaitingAuthorization,
		OpenedAt:  now,
		UpdatedAt: now,
		Actions:   []model.Approval{{OperatorID: "op-ana", Action: model.ActionApprove, At: now}},
	}
	require.NoError(t, testDB.SaveWindow(ctx, w))

	newer := w.Clone()
	newer.State = model.StateExecuting
	newer.UpdatedAt = now.Add(time.Second)
	require.NoError(t, testDB.SaveWindow(ctx, newer))
	require.NoError(t, testDB.SaveWindow(ctx, w))

	got, err := testDB.GetWindow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExecuting, got.State)
	assert.Len(t, got.Actions, 1)

	byReq, err := testDB.GetWindowByRequest(ctx, w.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, byReq.ID)

	_, err = testDB.GetWindow(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, clock.Real{})
	id := uuid.New()
	l.StartChain(id)
	_, err := l.Append(ctx, ledger.Event{WindowID: id, Type: model.AuditProposed}, ledger.Sync)
	require.NoError(t, err)

	cp, err := l.Checkpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)

	latest, err := testDB.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, cp.RootHash, latest.RootHash)
	assert.Equal(t, cp.ToSeq, latest.ToSeq)
}

func TestIdempotency_ReplayAndMismatch(t *testing.T) {
	ctx := context.Background()
	principal := "idem-agent-" + uuid.NewString()[:8]
	endpoint := "POST:/v1/decisions"
	key := "idem-" + uuid.NewString()

	lookup, err := testDB.BeginIdempotency(ctx, principal, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	err = testDB.CompleteIdempotency(ctx, principal, endpoint, key, 201, map[string]any{"window_id": "w1"})
	require.NoError(t, err)

	replay, err := testDB.BeginIdempotency(ctx, principal, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 201, replay.StatusCode)
	require.NotEmpty(t, replay.ResponseData)

	_, err = testDB.BeginIdempotency(ctx, principal, endpoint, key, "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)
}

func TestIdempotency_InProgressBlocksUntilCleared(t *testing.T) {
	ctx := context.Background()
	principal := "idem-op-" + uuid.NewString()[:8]
	endpoint := "POST:/v1/windows/" + uuid.NewString() + "/actions"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, principal, endpoint, key, "hash-a")
	require.NoError(t, err)

	_, err = testDB.BeginIdempotency(ctx, principal, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	require.NoError(t, testDB.ClearInProgressIdempotency(ctx, principal, endpoint, key))
	_, err = testDB.BeginIdempotency(ctx, principal, endpoint, key, "hash-a")
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx,
		`UPDATE idempotency_keys SET updated_at = now() - interval '2 hours'
		 WHERE principal_id = $1 AND endpoint = $2 AND idempotency_key = $3`,
		principal, endpoint, key)
	require.NoError(t, err)
	n, err := testDB.CleanupIdempotencyKeys(ctx, 24*time.Hour, time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestEventRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := storage.NewEventRelay(testDB)
	got := make(chan model.WindowEvent, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- relay.Run(ctx, func(ev model.WindowEvent) { got <- ev })
	}()

	want := model.WindowEvent{
		Kind: model.EventTransition, WindowID: uuid.New(),
		PriorState: model.StateExecuting, NewState: model.StateCommitted,
		Actor: model.ActorExecutor, At: time.Now().UTC(),
	}
	// LISTEN is registered asynchronously; keep publishing until delivery.
	deadline := time.After(5 * time.Second)
	for {
		relay.Publish(want)
		select {
		case ev := <-got:
			assert.Equal(t, want.WindowID, ev.WindowID)
			assert.Equal(t, model.StateCommitted, ev.NewState)
			cancel()
			assert.NoError(t, <-errc)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("relayed event never arrived")
		}
	}
}

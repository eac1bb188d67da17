package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/model"
)

var errOutage = errors.New("connection refused")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T, store Store, opts Options) *Ledger {
	t.Helper()
	l, err := New(context.Background(), store, testLogger(), opts)
	require.NoError(t, err)
	return l
}

func appendN(t *testing.T, l *Ledger, windowID uuid.UUID, n int, d Durability) []model.AuditEntry {
	t.Helper()
	var out []model.AuditEntry
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), Event{
			WindowID: windowID,
			Type:     model.AuditProposed,
			Actor:    model.ActorSystem,
			Payload:  map[string]any{"step": i, "amount": 7500.5},
		}, d)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppend_ChainsPerWindow(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Options{})
	w1, w2 := uuid.New(), uuid.New()
	l.StartChain(w1)
	l.StartChain(w2)

	a := appendN(t, l, w1, 3, Buffered)
	b := appendN(t, l, w2, 2, Sync)

	assert.Equal(t, int64(1), a[0].WindowSeq)
	assert.Equal(t, int64(3), a[2].WindowSeq)
	assert.Equal(t, a[1].Hash, a[2].PrevHash)
	assert.Equal(t, int64(1), b[0].WindowSeq)
	assert.Greater(t, b[1].GlobalSeq, a[2].GlobalSeq)

	res, err := l.Verify(context.Background(), w1)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Entries)
}

func TestSyncAppend_FlushesBufferedFirst(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, Options{})
	w := uuid.New()
	l.StartChain(w)

	appendN(t, l, w, 2, Buffered)
	assert.Equal(t, 2, l.Len())

	stored, err := store.ListAuditEntries(context.Background(), w)
	require.NoError(t, err)
	assert.Empty(t, stored, "buffered entries are not written until a flush")

	appendN(t, l, w, 1, Sync)
	assert.Equal(t, 0, l.Len())
	stored, err = store.ListAuditEntries(context.Background(), w)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, int64(3), stored[2].WindowSeq)
}

func TestSyncAppend_StoreOutage(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, Options{})
	w := uuid.New()
	l.StartChain(w)
	appendN(t, l, w, 2, Buffered)

	store.SetFailure(errOutage)
	_, err := l.Append(context.Background(), Event{WindowID: w, Type: model.AuditCommitted, Terminal: true}, Sync)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.False(t, l.Healthy())
	assert.Equal(t, 2, l.Len(), "buffered entries survive a failed write")

	store.SetFailure(nil)
	e, err := l.Append(context.Background(), Event{WindowID: w, Type: model.AuditCommitted, Terminal: true}, Sync)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.WindowSeq, "failed append does not advance the chain")
	assert.True(t, l.Healthy())

	res, err := l.Verify(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestBufferedAppend_FullBufferDegradesToSync(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, Options{MaxBuffer: 2})
	w := uuid.New()
	l.StartChain(w)

	appendN(t, l, w, 2, Buffered)
	assert.Equal(t, 2, l.Len())

	appendN(t, l, w, 1, Buffered)
	assert.Equal(t, 0, l.Len())

	store.SetFailure(errOutage)
	appendN(t, l, w, 2, Buffered)
	_, err := l.Append(context.Background(), Event{WindowID: w, Type: model.AuditEscalated}, Buffered)
	require.Error(t, err, "a full buffer with the store down must fail loudly")
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, Options{})
	w := uuid.New()
	l.StartChain(w)
	appendN(t, l, w, 4, Sync)

	store.mu.Lock()
	for i := range store.entries {
		if store.entries[i].WindowID == w && store.entries[i].WindowSeq == 2 {
			store.entries[i].Payload["step"] = 42.0
		}
	}
	store.mu.Unlock()

	res, err := l.Verify(context.Background(), w)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, int64(2), *res.BrokenAt)
}

func TestVerify_UnknownWindow(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Options{})
	_, err := l.Verify(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAnonymize_RedactsAndKeepsChainValid(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	l := newTestLedger(t, store, Options{Clock: clk})
	w := uuid.New()
	l.StartChain(w)

	_, err := l.Append(context.Background(), Event{
		WindowID: w,
		Type:     model.AuditVetoed,
		Actor:    "operator",
		Payload:  map[string]any{"operator_id": "op-17", "network_context": "10.0.0.4", "rationale": "wait for verification"},
	}, Sync)
	require.NoError(t, err)

	clk.Advance(100 * 24 * time.Hour)
	n, err := l.Anonymize(context.Background(), 90*24*time.Hour, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := l.Entries(context.Background(), w)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Redacted)
	assert.Equal(t, RedactedValue, entries[0].Payload["operator_id"])
	assert.Equal(t, "wait for verification", entries[0].Payload["rationale"])

	res, err := l.Verify(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	sys, err := l.Entries(context.Background(), model.SystemChainID)
	require.NoError(t, err)
	require.Len(t, sys, 1)
	assert.Equal(t, model.AuditAnonymization, sys[0].EventType)
}

func TestCheckpoint(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Options{})
	w1, w2 := uuid.New(), uuid.New()
	l.StartChain(w1)
	l.StartChain(w2)
	appendN(t, l, w1, 2, Buffered)
	appendN(t, l, w2, 1, Buffered)

	cp, err := l.Checkpoint(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.ChainCount)
	assert.Equal(t, int64(1), cp.FromSeq)
	assert.Nil(t, cp.PreviousRoot)

	again, err := l.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again, "nothing written since the last checkpoint")

	appendN(t, l, w1, 1, Sync)
	next, err := l.Checkpoint(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	require.NotNil(t, next.PreviousRoot)
	assert.Equal(t, cp.RootHash, *next.PreviousRoot)
	assert.Equal(t, 1, next.ChainCount)
}

func TestNew_ResumesFromStore(t *testing.T) {
	store := NewMemoryStore()
	first := newTestLedger(t, store, Options{})
	w := uuid.New()
	first.StartChain(w)
	prior := appendN(t, first, w, 2, Sync)

	second := newTestLedger(t, store, Options{})
	next := appendN(t, second, w, 1, Sync)
	assert.Equal(t, int64(3), next[0].WindowSeq)
	assert.Equal(t, prior[1].Hash, next[0].PrevHash)
	assert.Greater(t, next[0].GlobalSeq, prior[1].GlobalSeq)

	res, err := second.Verify(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestAppend_ConcurrentWindows(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), Options{MaxBuffer: 16})
	windows := make([]uuid.UUID, 16)
	for i := range windows {
		windows[i] = uuid.New()
		l.StartChain(windows[i])
	}

	var wg sync.WaitGroup
	for _, w := range windows {
		wg.Add(1)
		go func(w uuid.UUID) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				d := Buffered
				if i%3 == 0 {
					d = Sync
				}
				_, err := l.Append(context.Background(), Event{WindowID: w, Type: model.AuditEvaluating, Payload: map[string]any{"i": i}}, d)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	for _, w := range windows {
		res, err := l.Verify(context.Background(), w)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, 10, res.Entries)
	}
}

func TestDrain_FlushesPending(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, Options{FlushInterval: time.Hour})
	l.Start(context.Background())
	w := uuid.New()
	l.StartChain(w)
	appendN(t, l, w, 3, Buffered)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.Drain(ctx)

	stored, err := store.ListAuditEntries(context.Background(), w)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

// nulRejectingStore refuses payload strings containing NUL, as Postgres jsonb does.
type nulRejectingStore struct{ *MemoryStore }

func (s nulRejectingStore) InsertAuditEntries(ctx context.Context, entries []model.AuditEntry) error {
	for _, e := range entries {
		for _, v := range e.Payload {
			if str, ok := v.(string); ok && strings.ContainsRune(str, 0) {
				return errors.New(`unsupported Unicode escape sequence \u0000`)
			}
		}
	}
	return s.MemoryStore.InsertAuditEntries(ctx, entries)
}

func TestRejectedEntry_DoesNotBlockOtherWindows(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nulRejectingStore{NewMemoryStore()}, Options{})
	a, b := uuid.New(), uuid.New()
	l.StartChain(a)
	l.StartChain(b)

	_, err := l.Append(ctx, Event{
		WindowID: a, Type: model.AuditProposed, Actor: model.ActorSystem,
		Payload: map[string]any{"operation_type": "pay\x00ment"},
	}, Buffered)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, Event{
			WindowID: b, Type: model.AuditEvaluating, Terminal: i == 2,
			Payload: map[string]any{"i": i},
		}, Sync)
		require.NoError(t, err, "append %d for an unrelated window", i)
	}
	assert.True(t, l.Healthy())
	assert.Equal(t, int64(1), l.Quarantined())
	assert.Equal(t, 0, l.Len(), "the refused entry is not re-queued")

	res, err := l.Verify(ctx, b)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Entries)
}

func TestRejectedSyncEntry_LeavesChainHead(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nulRejectingStore{NewMemoryStore()}, Options{})
	w := uuid.New()
	l.StartChain(w)

	_, err := l.Append(ctx, Event{
		WindowID: w, Type: model.AuditRejected, Terminal: true,
		Payload: map[string]any{"rationale": "no\x00"},
	}, Sync)
	require.ErrorIs(t, err, ErrQuarantined)
	assert.False(t, IsUnavailable(err))
	assert.True(t, l.Healthy())

	e, err := l.Append(ctx, Event{
		WindowID: w, Type: model.AuditRejected, Terminal: true,
		Payload: map[string]any{"rationale": "no"},
	}, Sync)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.WindowSeq)

	res, err := l.Verify(ctx, w)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

// orderCheckingStore records global sequence numbers that arrive after a
// higher one was already written.
type orderCheckingStore struct {
	*MemoryStore
	mu         sync.Mutex
	max        int64
	outOfOrder []int64
}

func (s *orderCheckingStore) InsertAuditEntries(ctx context.Context, entries []model.AuditEntry) error {
	s.mu.Lock()
	for _, e := range entries {
		if e.GlobalSeq <= s.max {
			s.outOfOrder = append(s.outOfOrder, e.GlobalSeq)
			continue
		}
		s.max = e.GlobalSeq
	}
	s.mu.Unlock()
	return s.MemoryStore.InsertAuditEntries(ctx, entries)
}

func TestGlobalSeq_ReachesStoreInOrder(t *testing.T) {
	ctx := context.Background()
	store := &orderCheckingStore{MemoryStore: NewMemoryStore()}
	l := newTestLedger(t, store, Options{MaxBuffer: 8, FlushSize: 4})

	var wg sync.WaitGroup
	for g := 0; g < 12; g++ {
		w := uuid.New()
		l.StartChain(w)
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				d := Buffered
				if (i+g)%4 == 0 {
					d = Sync
				}
				_, err := l.Append(ctx, Event{WindowID: w, Type: model.AuditEvaluating, Payload: map[string]any{"i": i}}, d)
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	cp, err := l.Checkpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Empty(t, store.outOfOrder)
	assert.Equal(t, int64(12*20), cp.ToSeq)
	assert.Equal(t, 12, cp.ChainCount)
}

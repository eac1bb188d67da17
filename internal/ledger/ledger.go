package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/integrity"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/telemetry"
)

// Durability selects how an append reaches the store.
type Durability int

const (
	// Buffered entries are chained immediately and written by the background
	// flush loop. When the buffer is full the append degrades to Sync.
	Buffered Durability = iota
	// Sync entries are written, together with everything buffered before
	// them, before Append returns.
	Sync
)

func (d Durability) String() string {
	if d == Sync {
		return "sync"
	}
	return "buffered"
}

// ErrQuarantined means the store is reachable but refused an entry. The
// entry is dropped from the write queue so other windows keep flowing.
var ErrQuarantined = errors.New("entry rejected by store")

// Event is the input to Append.
type Event struct {
	WindowID   uuid.UUID
	Type       model.AuditEventType
	Payload    map[string]any
	Actor      string
	Terminal   bool
	OccurredAt time.Time
}

// Options tunes the write buffer.
type Options struct {
	MaxBuffer     int
	FlushSize     int
	FlushInterval time.Duration
	Clock         clock.Clock
}

func (o *Options) defaults() {
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = 10_000
	}
	if o.FlushSize <= 0 {
		o.FlushSize = 500
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

type chainHead struct {
	mu     sync.Mutex
	loaded bool
	seq    int64
	hash   string
}

// Ledger appends hash-chained entries. Appends for different windows may run
// concurrently; appends for one window are serialized on its chain head.
type Ledger struct {
	store  Store
	logger *slog.Logger
	opts   Options

	headsMu sync.Mutex
	heads   map[uuid.UUID]*chainHead

	// writeMu serializes store writes so a Sync append always lands after
	// the entries buffered before it.
	writeMu sync.Mutex
	// mu guards pending and globalSeq. Sequence numbers are taken under it
	// so the store always receives them in increasing order.
	mu        sync.Mutex
	pending   []model.AuditEntry
	globalSeq int64

	healthy     atomic.Bool
	failures    atomic.Int64
	quarantined atomic.Int64
	probe       singleflight.Group

	appendCounter     metric.Int64Counter
	quarantineCounter metric.Int64Counter

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// New creates a Ledger whose global sequence continues from the store.
func New(ctx context.Context, store Store, logger *slog.Logger, opts Options) (*Ledger, error) {
	opts.defaults()
	maxSeq, err := store.MaxGlobalSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load global sequence: %w", err)
	}
	l := &Ledger{
		store:     store,
		logger:    logger,
		opts:      opts,
		heads:     make(map[uuid.UUID]*chainHead),
		globalSeq: maxSeq,
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	l.healthy.Store(true)
	return l, nil
}

// Start begins the background flush loop and registers OTEL metrics. Call Drain to stop.
func (l *Ledger) Start(ctx context.Context) {
	l.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	go l.flushLoop(loopCtx)
}

// StartChain marks windowID as a new, empty chain so its first append does
// not consult the store.
func (l *Ledger) StartChain(windowID uuid.UUID) {
	l.headsMu.Lock()
	l.heads[windowID] = &chainHead{loaded: true}
	l.headsMu.Unlock()
}

// Release drops the cached head of a finished chain. Only call it after a
// Sync append, so nothing for the window is still buffered.
func (l *Ledger) Release(windowID uuid.UUID) {
	l.headsMu.Lock()
	delete(l.heads, windowID)
	l.headsMu.Unlock()
}

func (l *Ledger) head(windowID uuid.UUID) *chainHead {
	l.headsMu.Lock()
	defer l.headsMu.Unlock()
	h, ok := l.heads[windowID]
	if !ok {
		h = &chainHead{}
		l.heads[windowID] = h
	}
	return h
}

// Append seals ev onto its window's chain. It never fails silently: a store
// error is returned wrapped in model.ErrDependencyUnavailable and the chain
// head is left unchanged.
func (l *Ledger) Append(ctx context.Context, ev Event, d Durability) (model.AuditEntry, error) {
	payload, err := normalizePayload(ev.Payload)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("ledger: append: %w", err)
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = l.opts.Clock.Now()
	}

	h := l.head(ev.WindowID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loaded {
		latest, err := l.store.LatestAuditEntry(ctx, ev.WindowID)
		if err != nil {
			l.markFailure(err)
			return model.AuditEntry{}, fmt.Errorf("ledger: load chain head: %w: %w", model.ErrDependencyUnavailable, err)
		}
		if latest != nil {
			h.seq, h.hash = latest.WindowSeq, latest.Hash
		}
		h.loaded = true
	}

	next := &unsealed{prevHash: h.hash, entry: model.AuditEntry{
		ID:         uuid.New(),
		WindowID:   ev.WindowID,
		WindowSeq:  h.seq + 1,
		EventType:  ev.Type,
		Payload:    payload,
		Actor:      ev.Actor,
		Terminal:   ev.Terminal,
		OccurredAt: occurred.UTC().Truncate(time.Microsecond),
	}}

	if d == Buffered {
		entry, ok, err := l.enqueue(next)
		if err != nil {
			return model.AuditEntry{}, err
		}
		if ok {
			h.seq, h.hash = entry.WindowSeq, entry.Hash
			l.countAppend(ctx, Buffered)
			return entry, nil
		}
	}

	entry, err := l.writeThrough(ctx, next)
	if err != nil {
		return model.AuditEntry{}, err
	}
	h.seq, h.hash = entry.WindowSeq, entry.Hash
	l.countAppend(ctx, Sync)
	return entry, nil
}

// unsealed is an entry waiting for its global sequence number.
type unsealed struct {
	prevHash string
	entry    model.AuditEntry
}

// sealLocked assigns the next global sequence number to u and seals it. The
// number is only consumed when sealing succeeds. Callers hold l.mu.
func (l *Ledger) sealLocked(u *unsealed) (model.AuditEntry, error) {
	e := u.entry
	e.GlobalSeq = l.globalSeq + 1
	sealed, err := integrity.Seal(u.prevHash, e)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("ledger: seal: %w", err)
	}
	l.globalSeq = sealed.GlobalSeq
	return sealed, nil
}

// enqueue seals u and adds it to the buffer unless the buffer is full.
func (l *Ledger) enqueue(u *unsealed) (model.AuditEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) >= l.opts.MaxBuffer {
		return model.AuditEntry{}, false, nil
	}
	e, err := l.sealLocked(u)
	if err != nil {
		return model.AuditEntry{}, false, err
	}
	l.pending = append(l.pending, e)
	if len(l.pending) >= l.opts.FlushSize {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
	return e, true, nil
}

// writeThrough writes everything buffered, plus next when it is not nil, in
// one batch and returns next sealed. next takes its sequence number after
// everything already buffered.
func (l *Ledger) writeThrough(ctx context.Context, next *unsealed) (model.AuditEntry, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	var extra model.AuditEntry
	if next != nil {
		var err error
		if extra, err = l.sealLocked(next); err != nil {
			l.pending = append(batch, l.pending...)
			l.mu.Unlock()
			return model.AuditEntry{}, err
		}
	}
	l.mu.Unlock()

	all := make([]model.AuditEntry, 0, len(batch)+1)
	all = append(all, batch...)
	if next != nil {
		all = append(all, extra)
	}
	if len(all) == 0 {
		return extra, nil
	}

	err := l.store.InsertAuditEntries(ctx, all)
	if err == nil {
		l.markSuccess()
		return extra, nil
	}
	if l.store.Ping(ctx) != nil {
		return extra, l.requeue(all, next != nil, err)
	}

	// The store is up but refuses the batch. Write entries one at a time
	// and drop the ones it keeps refusing, so a single bad entry cannot
	// hold every other window's writes hostage.
	var rejected error
	for i, e := range all {
		err := l.store.InsertAuditEntries(ctx, []model.AuditEntry{e})
		if err == nil {
			continue
		}
		if l.store.Ping(ctx) != nil {
			return extra, l.requeue(all[i:], next != nil, err)
		}
		l.quarantine(ctx, e, err)
		if next != nil && i == len(all)-1 {
			rejected = err
		}
	}
	l.markSuccess()
	if rejected != nil {
		return model.AuditEntry{}, fmt.Errorf("ledger: write entry %s/%d: %w: %w",
			extra.WindowID, extra.WindowSeq, ErrQuarantined, rejected)
	}
	return extra, nil
}

// requeue puts unwritten buffered entries back at the front of the queue.
// They are already chained, so they cannot be dropped. The trailing Sync
// entry, if any, is left to its caller.
func (l *Ledger) requeue(unwritten []model.AuditEntry, hasSync bool, err error) error {
	buffered := unwritten
	if hasSync {
		buffered = unwritten[:len(unwritten)-1]
	}
	l.mu.Lock()
	l.pending = append(slices.Clone(buffered), l.pending...)
	l.mu.Unlock()
	l.markFailure(err)
	return fmt.Errorf("ledger: write %d entries: %w: %w", len(unwritten), model.ErrDependencyUnavailable, err)
}

// quarantine drops an entry the store refuses. Its window's chain will show
// a gap at that sequence number, which Verify reports.
func (l *Ledger) quarantine(ctx context.Context, e model.AuditEntry, err error) {
	l.quarantined.Add(1)
	if l.quarantineCounter != nil {
		l.quarantineCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(e.EventType))))
	}
	l.logger.Error("ledger: store rejected entry, quarantined",
		"window_id", e.WindowID, "window_seq", e.WindowSeq, "global_seq", e.GlobalSeq,
		"event_type", e.EventType, "hash", e.Hash, "error", err)
}

// Quarantined returns how many entries the store has refused since start.
func (l *Ledger) Quarantined() int64 { return l.quarantined.Load() }

// Flush writes all buffered entries.
func (l *Ledger) Flush(ctx context.Context) error {
	_, err := l.writeThrough(ctx, nil)
	return err
}

func (l *Ledger) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx := l.drainCtx
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			if err := l.Flush(drainCtx); err != nil {
				l.logger.Error("ledger: final flush failed", "error", err, "pending", l.Len())
			}
			close(l.done)
			return
		case <-ticker.C:
			l.flushAndLog(ctx)
		case <-l.flushCh:
			l.flushAndLog(ctx)
		}
	}
}

func (l *Ledger) flushAndLog(ctx context.Context) {
	if l.Len() == 0 {
		return
	}
	start := time.Now()
	n := l.Len()
	if err := l.Flush(ctx); err != nil {
		l.logger.Error("ledger: flush failed", "error", err, "batch_size", n)
		return
	}
	l.logger.Debug("ledger: batch flushed", "batch_size", n, "flush_duration_ms", time.Since(start).Milliseconds())
}

// Drain stops the flush loop after a final flush bounded by ctx.
func (l *Ledger) Drain(ctx context.Context) {
	l.drainCtx = ctx
	if l.cancelLoop == nil {
		if err := l.Flush(ctx); err != nil {
			l.logger.Error("ledger: drain flush failed", "error", err)
		}
		return
	}
	l.cancelLoop()
	select {
	case <-l.done:
	case <-ctx.Done():
		l.logger.Warn("ledger: drain timed out waiting for flush loop")
	}
}

// Len returns the number of buffered entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Capacity returns the buffer bound.
func (l *Ledger) Capacity() int { return l.opts.MaxBuffer }

// Healthy reports whether the last store write succeeded. It is the global
// health signal: while false, terminal transitions cannot be made durable.
func (l *Ledger) Healthy() bool { return l.healthy.Load() }

// Probe pings the store, updating the health flag. Concurrent probes share
// one ping.
func (l *Ledger) Probe(ctx context.Context) error {
	_, err, _ := l.probe.Do("ping", func() (any, error) {
		if err := l.store.Ping(ctx); err != nil {
			l.markFailure(err)
			return nil, err
		}
		if l.Len() == 0 {
			l.markSuccess()
		}
		return nil, nil
	})
	return err
}

func (l *Ledger) markFailure(err error) {
	n := l.failures.Add(1)
	if l.healthy.Swap(false) {
		l.logger.Error("ledger: store unavailable, marking unhealthy", "error", err)
	} else if n%100 == 0 {
		l.logger.Error("ledger: store still unavailable", "error", err, "consecutive_failures", n)
	}
}

func (l *Ledger) markSuccess() {
	l.failures.Store(0)
	if !l.healthy.Swap(true) {
		l.logger.Info("ledger: store recovered")
	}
}

// Entries returns a window's chain in order, flushing the buffer first.
func (l *Ledger) Entries(ctx context.Context, windowID uuid.UUID) ([]model.AuditEntry, error) {
	if err := l.Flush(ctx); err != nil {
		return nil, err
	}
	entries, err := l.store.ListAuditEntries(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	return entries, nil
}

// Verify recomputes the hash chain of a window.
func (l *Ledger) Verify(ctx context.Context, windowID uuid.UUID) (model.VerifyResult, error) {
	entries, err := l.Entries(ctx, windowID)
	if err != nil {
		return model.VerifyResult{}, err
	}
	res := model.VerifyResult{
		WindowID:   windowID,
		Valid:      true,
		Entries:    len(entries),
		VerifiedAt: l.opts.Clock.Now(),
	}
	if len(entries) == 0 {
		return res, fmt.Errorf("ledger: verify %s: %w", windowID, model.ErrNotFound)
	}
	if brk := integrity.VerifyChain(entries); brk != nil {
		seq := brk.WindowSeq
		res.Valid = false
		res.BrokenAt = &seq
		res.Reason = brk.Reason
		l.logger.Warn("ledger: chain verification failed",
			"window_id", windowID, "window_seq", seq, "reason", brk.Reason)
	}
	return res, nil
}

// Anonymize redacts operator identifiers in entries older than retention and
// records the pass on the system chain. It returns the number of entries
// redacted.
func (l *Ledger) Anonymize(ctx context.Context, retention time.Duration, actor string) (int, error) {
	if retention <= 0 {
		return 0, &model.ValidationError{Field: "retention", Reason: "must be positive"}
	}
	if err := l.Flush(ctx); err != nil {
		return 0, err
	}
	cutoff := l.opts.Clock.Now().Add(-retention).UTC()
	n, err := l.store.RedactOperators(ctx, cutoff)
	if err != nil {
		l.markFailure(err)
		return 0, fmt.Errorf("ledger: redact: %w: %w", model.ErrDependencyUnavailable, err)
	}
	_, err = l.Append(ctx, Event{
		WindowID: model.SystemChainID,
		Type:     model.AuditAnonymization,
		Actor:    model.ActorSystem,
		Payload: map[string]any{
			"cutoff":         cutoff.Format(time.RFC3339Nano),
			"redacted_count": n,
			"fields":         RedactedFields,
			"triggered_by":   actor,
		},
	}, Sync)
	if err != nil {
		return n, err
	}
	l.logger.Info("ledger: anonymization pass complete", "redacted", n, "cutoff", cutoff)
	return n, nil
}

const checkpointPage = 1000

// Checkpoint builds a Merkle root over the chain heads written since the
// previous checkpoint and records it. It returns nil when nothing new has
// been written.
func (l *Ledger) Checkpoint(ctx context.Context) (*model.Checkpoint, error) {
	if err := l.Flush(ctx); err != nil {
		return nil, err
	}
	prev, err := l.store.LatestCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: latest checkpoint: %w", err)
	}
	var after int64
	var prevRoot *string
	if prev != nil {
		after = prev.ToSeq
		root := prev.RootHash
		prevRoot = &root
	}

	heads := make(map[uuid.UUID]string)
	toSeq := after
	cursor := after
	for {
		page, err := l.store.ListAuditEntriesSince(ctx, cursor, checkpointPage)
		if err != nil {
			return nil, fmt.Errorf("ledger: list since %d: %w", cursor, err)
		}
		for _, e := range page {
			cursor = e.GlobalSeq
			if e.EventType == model.AuditCheckpoint {
				continue
			}
			heads[e.WindowID] = e.Hash
			toSeq = e.GlobalSeq
		}
		if len(page) < checkpointPage {
			break
		}
	}
	if len(heads) == 0 {
		return nil, nil
	}

	leaves := make([]string, 0, len(heads))
	for _, h := range heads {
		leaves = append(leaves, h)
	}
	sort.Strings(leaves)

	cp := model.Checkpoint{
		ID:           uuid.New(),
		FromSeq:      after + 1,
		ToSeq:        toSeq,
		ChainCount:   len(heads),
		RootHash:     integrity.BuildMerkleRoot(leaves),
		PreviousRoot: prevRoot,
		CreatedAt:    l.opts.Clock.Now().UTC().Truncate(time.Microsecond),
	}
	if err := l.store.InsertCheckpoint(ctx, cp); err != nil {
		l.markFailure(err)
		return nil, fmt.Errorf("ledger: insert checkpoint: %w: %w", model.ErrDependencyUnavailable, err)
	}
	if _, err := l.Append(ctx, Event{
		WindowID: model.SystemChainID,
		Type:     model.AuditCheckpoint,
		Actor:    model.ActorSystem,
		Payload: map[string]any{
			"checkpoint_id": cp.ID.String(),
			"root_hash":     cp.RootHash,
			"from_seq":      cp.FromSeq,
			"to_seq":        cp.ToSeq,
			"chain_count":   cp.ChainCount,
		},
	}, Sync); err != nil {
		return &cp, err
	}
	return &cp, nil
}

// normalizePayload round-trips p through JSON so the digest computed now
// matches the one recomputed from what the store hands back.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if len(p) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not JSON-encodable: %w", model.ErrValidation, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	return out, nil
}

func (l *Ledger) countAppend(ctx context.Context, d Durability) {
	if l.appendCounter == nil {
		return
	}
	l.appendCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("durability", d.String())))
}

// registerMetrics registers observable OTEL gauges for buffer and store health.
func (l *Ledger) registerMetrics() {
	meter := telemetry.Meter("kansa/ledger")

	_, _ = meter.Int64ObservableGauge("kansa.ledger.buffer.depth",
		metric.WithDescription("Current number of audit entries awaiting flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(l.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansa.ledger.healthy",
		metric.WithDescription("1 when the audit store accepted the last write, 0 otherwise"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if l.Healthy() {
				o.Observe(1)
			} else {
				o.Observe(0)
			}
			return nil
		}),
	)

	counter, err := meter.Int64Counter("kansa.ledger.appends",
		metric.WithDescription("Audit entries appended, by durability"))
	if err == nil {
		l.appendCounter = counter
	}

	quarantined, err := meter.Int64Counter("kansa.ledger.quarantined",
		metric.WithDescription("Audit entries the store refused and the ledger dropped"))
	if err == nil {
		l.quarantineCounter = quarantined
	}
}

// IsUnavailable reports whether err came from a store outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, model.ErrDependencyUnavailable)
}

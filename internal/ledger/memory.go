package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/model"
)

// MemoryStore is an in-process Store for tests and single-node development.
// SetFailure makes every call fail until cleared, to simulate an outage.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[uuid.UUID]struct{}
	entries     []model.AuditEntry // global order
	checkpoints []model.Checkpoint
	fail        error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]struct{})}
}

// SetFailure makes subsequent calls return err. Pass nil to recover.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *MemoryStore) InsertAuditEntries(_ context.Context, entries []model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	for _, e := range entries {
		if _, ok := m.byID[e.ID]; ok {
			continue
		}
		m.byID[e.ID] = struct{}{}
		m.entries = append(m.entries, copyEntry(e))
	}
	sort.SliceStable(m.entries, func(i, j int) bool {
		return m.entries[i].GlobalSeq < m.entries[j].GlobalSeq
	})
	return nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, windowID uuid.UUID) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []model.AuditEntry
	for _, e := range m.entries {
		if e.WindowID == windowID {
			out = append(out, copyEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WindowSeq < out[j].WindowSeq })
	return out, nil
}

func (m *MemoryStore) ListAuditEntriesSince(_ context.Context, afterSeq int64, limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []model.AuditEntry
	for _, e := range m.entries {
		if e.GlobalSeq <= afterSeq {
			continue
		}
		out = append(out, copyEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestAuditEntry(_ context.Context, windowID uuid.UUID) (*model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var head *model.AuditEntry
	for i := range m.entries {
		e := m.entries[i]
		if e.WindowID != windowID {
			continue
		}
		if head == nil || e.WindowSeq > head.WindowSeq {
			c := copyEntry(e)
			head = &c
		}
	}
	return head, nil
}

func (m *MemoryStore) MaxGlobalSeq(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return 0, m.fail
	}
	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[len(m.entries)-1].GlobalSeq, nil
}

func (m *MemoryStore) RedactOperators(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	n := 0
	for i := range m.entries {
		e := &m.entries[i]
		if e.Redacted || !e.OccurredAt.Before(before) {
			continue
		}
		if RedactPayload(e.Payload) {
			e.Redacted = true
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) InsertCheckpoint(_ context.Context, cp model.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.checkpoints = append(m.checkpoints, cp)
	return nil
}

func (m *MemoryStore) LatestCheckpoint(_ context.Context) (*model.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	if len(m.checkpoints) == 0 {
		return nil, nil
	}
	cp := m.checkpoints[len(m.checkpoints)-1]
	return &cp, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail
}

// RedactPayload rewrites RedactedFields in place and reports whether any
// field was present.
func RedactPayload(payload map[string]any) bool {
	touched := false
	for _, k := range RedactedFields {
		if _, ok := payload[k]; ok {
			payload[k] = RedactedValue
			touched = true
		}
	}
	return touched
}

func copyEntry(e model.AuditEntry) model.AuditEntry {
	c := e
	c.Payload = copyPayload(e.Payload)
	return c
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyPayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}

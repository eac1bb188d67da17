package mcp

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/clock"
)

// proposalTracker remembers the windows each agent opened through MCP so
// kansa_status can answer "what am I waiting on" without a window id.
//
// It is in-memory and per process. Losing it on restart only loses the
// listing; the windows themselves live in the governance manager.
type proposalTracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string][]trackedProposal
	window  time.Duration
}

type trackedProposal struct {
	windowID uuid.UUID
	at       time.Time
}

func newProposalTracker(clk clock.Clock, window time.Duration) *proposalTracker {
	return &proposalTracker{
		clock:   clk,
		entries: make(map[string][]trackedProposal),
		window:  window,
	}
}

// Record notes that agentID opened windowID. Re-recording a window is a no-op.
func (t *proposalTracker) Record(agentID string, windowID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.entries[agentID] {
		if p.windowID == windowID {
			return
		}
	}
	t.entries[agentID] = append(t.entries[agentID], trackedProposal{windowID: windowID, at: t.clock.Now()})

	// Lazy cleanup keeps many distinct agents from growing the map forever.
	if len(t.entries) > 1000 {
		t.purgeStale()
	}
}

// Recent returns agentID's windows opened within the window, newest first.
func (t *proposalTracker) Recent(agentID string) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-t.window)
	kept := t.entries[agentID][:0]
	for _, p := range t.entries[agentID] {
		if p.at.After(cutoff) {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(t.entries, agentID)
		return nil
	}
	t.entries[agentID] = kept

	sorted := append([]trackedProposal(nil), kept...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].at.After(sorted[j].at) })
	ids := make([]uuid.UUID, len(sorted))
	for i, p := range sorted {
		ids[i] = p.windowID
	}
	return ids
}

// purgeStale removes expired entries. Must be called with mu held.
func (t *proposalTracker) purgeStale() {
	cutoff := t.clock.Now().Add(-t.window)
	for agent, ps := range t.entries {
		kept := ps[:0]
		for _, p := range ps {
			if p.at.After(cutoff) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(t.entries, agent)
		} else {
			t.entries[agent] = kept
		}
	}
}

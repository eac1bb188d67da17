package integrity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/model"
)

func buildChain(t *testing.T, n int) []model.AuditEntry {
	t.Helper()
	windowID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	at := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	prev := GenesisHash
	var entries []model.AuditEntry
	for i := 0; i < n; i++ {
		e, err := Seal(prev, model.AuditEntry{
			ID:         uuid.New(),
			GlobalSeq:  int64(100 + i),
			WindowID:   windowID,
			WindowSeq:  int64(i + 1),
			EventType:  model.AuditProposed,
			Payload:    map[string]any{"step": i, "operator_id": "op-7", "note": "café"},
			Actor:      "system",
			OccurredAt: at.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seal entry %d: %v", i, err)
		}
		entries = append(entries, e)
		prev = e.Hash
	}
	return entries
}

func TestVerifyChain_Intact(t *testing.T) {
	entries := buildChain(t, 4)
	if brk := VerifyChain(entries); brk != nil {
		t.Fatalf("intact chain reported broken: %+v", brk)
	}
	if entries[1].PrevHash != entries[0].Hash {
		t.Fatal("second entry should link to the first")
	}
}

func TestVerifyChain_PayloadMutation(t *testing.T) {
	entries := buildChain(t, 4)
	entries[2].Payload["note"] = "cafe"
	brk := VerifyChain(entries)
	if brk == nil {
		t.Fatal("mutated payload should break the chain")
	}
	if brk.Index != 2 {
		t.Fatalf("expected break at index 2, got %d", brk.Index)
	}
}

func TestVerifyChain_MutationRecomputedDigest(t *testing.T) {
	// Recomputing the digest for the mutated payload still breaks the link,
	// because the entry hash commits to the original digest.
	entries := buildChain(t, 3)
	entries[1].Payload["step"] = 99
	d, err := PayloadDigest(entries[1].Payload)
	if err != nil {
		t.Fatal(err)
	}
	entries[1].PayloadDigest = d
	if VerifyChain(entries) == nil {
		t.Fatal("recomputed digest must not hide tampering")
	}
}

func TestVerifyChain_RemovedEntry(t *testing.T) {
	entries := buildChain(t, 4)
	entries = append(entries[:1], entries[2:]...)
	if VerifyChain(entries) == nil {
		t.Fatal("removing an entry should break the chain")
	}
}

func TestVerifyChain_RedactedEntryStillVerifies(t *testing.T) {
	entries := buildChain(t, 3)
	entries[0].Payload["operator_id"] = "redacted"
	entries[0].Redacted = true
	if brk := VerifyChain(entries); brk != nil {
		t.Fatalf("redaction should keep the chain verifiable: %+v", brk)
	}
}

func TestVerifyChain_RedactedEntryCannotHideEdits(t *testing.T) {
	entries := buildChain(t, 4)
	entries[2].Payload["step"] = 999
	entries[2].Payload["note"] = "forged rationale"
	entries[2].Payload["operator_id"] = RedactedValue
	entries[2].Redacted = true
	brk := VerifyChain(entries)
	if brk == nil {
		t.Fatal("setting the redacted flag must not hide payload edits")
	}
	if brk.Index != 2 {
		t.Fatalf("expected break at index 2, got %d", brk.Index)
	}
}

func TestVerifyChain_RedactedFieldMustHoldRedactedValue(t *testing.T) {
	entries := buildChain(t, 3)
	entries[1].Payload["operator_id"] = "op-9"
	entries[1].Redacted = true
	brk := VerifyChain(entries)
	if brk == nil {
		t.Fatal("a redacted entry may only carry the redaction marker in operator fields")
	}
	if brk.Index != 1 {
		t.Fatalf("expected break at index 1, got %d", brk.Index)
	}
}

func TestRetainedDigest_IgnoresRedactableFields(t *testing.T) {
	a, err := RetainedDigest(map[string]any{"step": 1, "operator_id": "op-7"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := RetainedDigest(map[string]any{"step": 1, "operator_id": RedactedValue})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("retained digest must not depend on redactable fields")
	}
	c, err := RetainedDigest(map[string]any{"step": 2, "operator_id": "op-7"})
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("retained digest must commit to the other fields")
	}
}

func TestPayloadDigest_JSONRoundTripStable(t *testing.T) {
	payload := map[string]any{"amount": 7500, "confidence": 0.85, "nested": map[string]any{"b": 1, "a": []any{"x"}}}
	before, err := PayloadDigest(payload)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	after, err := PayloadDigest(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatalf("digest changed across JSON round trip: %s != %s", before, after)
	}
}

func TestCanonicalize_SortedAndNormalized(t *testing.T) {
	got, err := Canonicalize(map[string]any{"b": 2, "a": "é", "z": nil})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":"é","b":2}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestBuildMerkleRoot_Empty(t *testing.T) {
	root := BuildMerkleRoot(nil)
	if root != "" {
		t.Fatalf("empty input should produce empty root, got %q", root)
	}
}

func TestBuildMerkleRoot_SingleLeaf(t *testing.T) {
	leaf := "abc123"
	root := BuildMerkleRoot([]string{leaf})
	if root != leaf {
		t.Fatalf("single leaf should be the root: got %q, want %q", root, leaf)
	}
}

func TestBuildMerkleRoot_Deterministic(t *testing.T) {
	leaves := []string{"hash_a", "hash_b", "hash_c", "hash_d"}

	r1 := BuildMerkleRoot(leaves)
	r2 := BuildMerkleRoot(leaves)

	if r1 != r2 {
		t.Fatalf("Merkle root not deterministic: %q != %q", r1, r2)
	}
	if len(r1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(r1))
	}
}

func TestBuildMerkleRoot_OrderMatters(t *testing.T) {
	r1 := BuildMerkleRoot([]string{"a", "b", "c"})
	r2 := BuildMerkleRoot([]string{"b", "a", "c"})

	if r1 == r2 {
		t.Fatal("different leaf ordering should produce different roots")
	}
}

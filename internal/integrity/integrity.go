// Package integrity provides tamper-evident hashing for the audit chain and
// Merkle tree construction for ledger checkpoints. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/kansa/internal/model"
)

// hashV1Prefix versions the chain hash encoding so a future change can be
// verified side by side with existing entries.
const hashV1Prefix = "v1:"

// GenesisHash is the PrevHash of the first entry in every chain.
const GenesisHash = ""

// RedactedValue replaces operator-identifying payload fields during anonymization.
const RedactedValue = "redacted"

// RedactableFields are the payload keys an anonymization pass may rewrite.
// Every other key is committed through RetainedDigest and must never change.
var RedactableFields = []string{"operator_id", "network_context", "triggered_by"}

// PayloadDigest returns the hex SHA-256 of the canonical payload.
func PayloadDigest(payload map[string]any) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("integrity: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// RetainedDigest returns the hex SHA-256 of the canonical payload with the
// RedactableFields removed.
func RetainedDigest(payload map[string]any) (string, error) {
	retained := make(map[string]any, len(payload))
	for k, v := range payload {
		if !slices.Contains(RedactableFields, k) {
			retained[k] = v
		}
	}
	return PayloadDigest(retained)
}

// checkRedacted reports whether every redactable key still present in a
// redacted payload carries RedactedValue.
func checkRedacted(payload map[string]any) bool {
	for _, k := range RedactableFields {
		if v, ok := payload[k]; ok && v != RedactedValue {
			return false
		}
	}
	return true
}

// entryBody is the canonical projection of an entry that the chain commits to.
// The payload is committed through two digests: the full one, which
// redaction invalidates, and the retained one, which it must not.
func entryBody(e model.AuditEntry) map[string]any {
	return map[string]any{
		"window_id":       e.WindowID.String(),
		"window_seq":      e.WindowSeq,
		"global_seq":      e.GlobalSeq,
		"event_type":      string(e.EventType),
		"payload_digest":  e.PayloadDigest,
		"retained_digest": e.RetainedDigest,
		"actor":           e.Actor,
		"terminal":        e.Terminal,
		"occurred_at":     e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// ComputeEntryHash returns H(prev || canonical(entry)) with length-prefixed
// fields so that neither part can be shifted into the other.
func ComputeEntryHash(prevHash string, e model.AuditEntry) (string, error) {
	canonical, err := Canonicalize(entryBody(e))
	if err != nil {
		return "", fmt.Errorf("integrity: canonicalize entry: %w", err)
	}
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // entry bodies are bounded by request limits
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(prevHash))
	writeField(canonical)
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Seal fills PayloadDigest, RetainedDigest, PrevHash and Hash on e.
func Seal(prevHash string, e model.AuditEntry) (model.AuditEntry, error) {
	digest, err := PayloadDigest(e.Payload)
	if err != nil {
		return e, err
	}
	retained, err := RetainedDigest(e.Payload)
	if err != nil {
		return e, err
	}
	e.PayloadDigest = digest
	e.RetainedDigest = retained
	e.PrevHash = prevHash
	hash, err := ComputeEntryHash(prevHash, e)
	if err != nil {
		return e, err
	}
	e.Hash = hash
	return e, nil
}

// ChainBreak describes the first inconsistency found by VerifyChain.
type ChainBreak struct {
	Index     int
	WindowSeq int64
	Reason    string
}

// VerifyChain recomputes the chain for entries of a single window, which
// must be ordered by WindowSeq. It returns nil if the chain is intact.
// Every entry must match its retained digest. Redacted entries are exempt
// from the full payload digest, but their redactable keys may only hold
// RedactedValue.
func VerifyChain(entries []model.AuditEntry) *ChainBreak {
	prev := GenesisHash
	for i, e := range entries {
		if e.WindowSeq != int64(i+1) {
			return &ChainBreak{Index: i, WindowSeq: e.WindowSeq, Reason: fmt.Sprintf("sequence gap: expected %d", i+1)}
		}
		if e.PrevHash != prev {
			return &ChainBreak{Index: i, WindowSeq: e.WindowSeq, Reason: "prev_hash does not match preceding entry"}
		}
		retained, err := RetainedDigest(e.Payload)
		if err != nil || retained != e.RetainedDigest {
			return &ChainBreak{Index: i, WindowSeq: e.WindowSeq, Reason: "retained payload digest mismatch"}
		}
		if e.Redacted {
			if !checkRedacted(e.Payload) {
				return &ChainBreak{Index: i, WindowSeq: e.WindowSeq, Reason: "redacted field holds a value"}
			}
		} else {
			digest, err := PayloadDigest(e.Payload)
			if err != nil || digest != e.PayloadDigest {
				return &ChainBreak{Index: i, WindowSeq: e.WindowSeq, Reason: "payload digest mismatch"}
			}
		}
		if !strings.HasPrefix(e.Hash, hashV1Prefix) {
			return &ChainBreak{Index: i, WindowSeq: e.WindowSeq, Reason: "unknown hash version"}
		}
		want, err := ComputeEntryHash(prev, e)
		if err != nil || want != e.Hash {
			return &ChainBreak{Index: i, WindowSeq: e.WindowSeq, Reason: "entry hash mismatch"}
		}
		prev = e.Hash
	}
	return nil
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted lexicographically by the caller for determinism.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}

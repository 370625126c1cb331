package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ChainHash computes the next link in a user's audit chain.
//
//	hash = SHA-256( prevHash || canonicalRecord )
func ChainHash(prevHash string, canonRecord []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonRecord)
	return hex.EncodeToString(h.Sum(nil))
}

// ChainEvent is the stored shape of one chain link.
type ChainEvent struct {
	Seq        int64     `json:"seq"`
	RecordID   string    `json:"record_id"`
	Hash       string    `json:"hash"`
	PrevHash   string    `json:"prev_hash"`
	Canon      []byte    `json:"canon"`
	RecordedAt time.Time `json:"recorded_at"`
}

// VerifyChain verifies a chain starting from its genesis.
func VerifyChain(events []ChainEvent) error {
	return VerifyChainFrom("", events)
}

// VerifyChainFrom verifies events that continue a chain whose last known
// hash is anchor.
func VerifyChainFrom(anchor string, events []ChainEvent) error {
	prev := anchor
	for i, ev := range events {
		if ev.PrevHash != prev {
			return fmt.Errorf("chain broken at index %d (record %s): prev_hash %s does not follow %s",
				i, ev.RecordID, ev.PrevHash, prev)
		}
		expected := ChainHash(prev, ev.Canon)
		if ev.Hash != expected {
			return fmt.Errorf("chain broken at index %d (record %s): expected %s, got %s",
				i, ev.RecordID, expected, ev.Hash)
		}
		prev = ev.Hash
	}
	return nil
}

package audit

import (
	"testing"
)

func link(prev string, id string, canon string) ChainEvent {
	return ChainEvent{RecordID: id, PrevHash: prev, Canon: []byte(canon), Hash: ChainHash(prev, []byte(canon))}
}

func TestChainHash_Deterministic(t *testing.T) {
	h1 := ChainHash("abc123", []byte(`{"action":"test"}`))
	h2 := ChainHash("abc123", []byte(`{"action":"test"}`))
	if h1 != h2 {
		t.Errorf("non-deterministic chain hash: %s != %s", h1, h2)
	}
	if ChainHash("", []byte("a")) == ChainHash("", []byte("b")) {
		t.Error("different records should produce different hashes")
	}
}

func TestVerifyChain_Valid(t *testing.T) {
	e1 := link("", "r1", `{"n":1}`)
	e2 := link(e1.Hash, "r2", `{"n":2}`)
	if err := VerifyChain([]ChainEvent{e1, e2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyChain_Tampered(t *testing.T) {
	e1 := link("", "r1", `{"n":1}`)
	e2 := link(e1.Hash, "r2", `{"n":2}`)
	e2.Canon = []byte(`{"n":3}`)
	if err := VerifyChain([]ChainEvent{e1, e2}); err == nil {
		t.Fatal("expected chain verification to fail")
	}
}

func TestVerifyChainFrom_Anchor(t *testing.T) {
	e1 := link("", "r1", `{"n":1}`)
	e2 := link(e1.Hash, "r2", `{"n":2}`)
	e3 := link(e2.Hash, "r3", `{"n":3}`)

	if err := VerifyChainFrom(e1.Hash, []ChainEvent{e2, e3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := VerifyChainFrom("", []ChainEvent{e2, e3}); err == nil {
		t.Fatal("expected failure when anchor does not match")
	}
	if err := VerifyChainFrom(e1.Hash, []ChainEvent{e3}); err == nil {
		t.Fatal("expected failure for a gap in the chain")
	}
}

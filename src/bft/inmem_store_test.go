package bft

import "testing"

func TestInmemStore(t *testing.T) {
	store := NewInmemStore(4)

	genesis := GenesisBlock(4)
	if !store.HasBlock(genesis.Hex()) {
		t.Fatalf("store should be pre-seeded with the genesis block")
	}

	block := NewBlock(1, 0, *GenesisQC(4), FullPrefixQCReason(GenesisQC(4)), *NewEmptyPayload(4), 1)

	if store.HasBlock(block.Hex()) {
		t.Fatalf("block should not be stored yet")
	}
	if _, err := store.GetBlock(block.Hex()); err == nil {
		t.Fatalf("getting a missing block should fail")
	}

	if err := store.SetBlock(block); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetBlock(block.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if got.Hex() != block.Hex() {
		t.Fatalf("wrong block retrieved")
	}

	// re-inserting is a no-op
	if err := store.SetBlock(block); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 blocks, got %d", store.Len())
	}
}

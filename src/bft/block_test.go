package bft

import (
	"testing"
)

func TestBlockSignVerify(t *testing.T) {
	peerSet, signers := newTestValidators(t, 4)
	kv := NewKeyVerifier(peerSet)

	genesisQC := GenesisQC(4)
	author := peerSet.Leader(1).ID

	block := NewBlock(1, author, *genesisQC, FullPrefixQCReason(genesisQC), *NewEmptyPayload(4), 42)

	// only the author's key signs
	wrong := signers[(author+1)%4]
	if err := block.Sign(wrong); err == nil {
		t.Fatalf("signing with a non-author key should fail")
	}

	if err := block.Sign(signers[author]); err != nil {
		t.Fatal(err)
	}

	ok, err := block.Verify(kv)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("author signature should verify")
	}

	// the digest is stable across marshalling
	raw, err := block.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	decoded := new(Block)
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}
	if decoded.Hex() != block.Hex() {
		t.Fatalf("digest changed across marshalling: %s != %s", decoded.Hex(), block.Hex())
	}

	ok, err = decoded.Verify(kv)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("signature should survive marshalling")
	}
}

func TestGenesisDeterminism(t *testing.T) {
	a := GenesisBlock(4)
	b := GenesisBlock(4)
	if a.Hex() != b.Hex() {
		t.Fatalf("genesis block digest should be deterministic")
	}

	qc := GenesisQC(4)
	if qc.BlockDigest != a.Hex() {
		t.Fatalf("genesis qc should reference the genesis block")
	}
}

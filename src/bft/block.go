package bft

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/raptrnet/raptr/src/common"
	"github.com/raptrnet/raptr/src/crypto"
)

// BlockBody is the signed content of a block.
type BlockBody struct {
	Round     Round            `json:"round"`
	Author    NodeID           `json:"author"`
	ParentQC  QC               `json:"parent_qc"`
	Reason    RoundEntryReason `json:"reason"`
	Payload   Payload          `json:"payload"`
	Timestamp int64            `json:"timestamp"`
}

// Marshal - json encoding of body only
func (bb *BlockBody) Marshal() ([]byte, error) {
	bf := bytes.NewBuffer([]byte{})
	enc := json.NewEncoder(bf)
	if err := enc.Encode(bb); err != nil {
		return nil, err
	}
	return bf.Bytes(), nil
}

// Unmarshal ...
func (bb *BlockBody) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	dec := json.NewDecoder(b)
	return dec.Decode(bb)
}

// Hash returns the SHA256 of the marshalled body. It is what the author
// signs, and the basis of the block digest.
func (bb *BlockBody) Hash() ([]byte, error) {
	hashBytes, err := bb.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(hashBytes), nil
}

// Block is a leader proposal: a payload extending the parent QC's block,
// justified by the round-entry reason that allowed the author to propose.
// Blocks are immutable once created and indexed by digest in the block store.
type Block struct {
	Body      BlockBody `json:"body"`
	Signature string    `json:"signature"`

	digest []byte
	hex    string
}

// NewBlock assembles an unsigned block.
func NewBlock(round Round, author NodeID, parentQC QC, reason RoundEntryReason, payload Payload, timestamp int64) *Block {
	return &Block{
		Body: BlockBody{
			Round:     round,
			Author:    author,
			ParentQC:  parentQC,
			Reason:    reason,
			Payload:   payload,
			Timestamp: timestamp,
		},
	}
}

// Round ...
func (b *Block) Round() Round {
	return b.Body.Round
}

// Author ...
func (b *Block) Author() NodeID {
	return b.Body.Author
}

// ParentQC returns the QC the block extends.
func (b *Block) ParentQC() *QC {
	return &b.Body.ParentQC
}

// Payload ...
func (b *Block) Payload() *Payload {
	return &b.Body.Payload
}

// Timestamp ...
func (b *Block) Timestamp() int64 {
	return b.Body.Timestamp
}

// Digest returns the content hash of the block body.
func (b *Block) Digest() ([]byte, error) {
	if len(b.digest) == 0 {
		digest, err := b.Body.Hash()
		if err != nil {
			return nil, err
		}
		b.digest = digest
	}
	return b.digest, nil
}

// Hex returns the string form of the digest, used as the block's key.
func (b *Block) Hex() string {
	if b.hex == "" {
		digest, _ := b.Digest()
		b.hex = common.EncodeToString(digest)
	}
	return b.hex
}

// Sign sets the author signature. The caller must be the block's author.
func (b *Block) Sign(signer Signer) error {
	if signer.NodeID() != b.Body.Author {
		return fmt.Errorf("signer %d is not block author %d", signer.NodeID(), b.Body.Author)
	}

	hash, err := b.Body.Hash()
	if err != nil {
		return err
	}

	sig, err := signer.SignTagged(TagBlock, hash)
	if err != nil {
		return err
	}

	b.Signature = sig
	return nil
}

// Verify checks the author signature.
func (b *Block) Verify(sv SignatureVerifier) (bool, error) {
	hash, err := b.Body.Hash()
	if err != nil {
		return false, err
	}
	return sv.VerifyTagged(TagBlock, b.Body.Author, hash, b.Signature), nil
}

// Marshal ...
func (b *Block) Marshal() ([]byte, error) {
	bf := bytes.NewBuffer([]byte{})
	enc := json.NewEncoder(bf)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return bf.Bytes(), nil
}

// Unmarshal ...
func (b *Block) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	dec := json.NewDecoder(bf)
	return dec.Decode(b)
}

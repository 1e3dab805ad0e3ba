package bft

import (
	"github.com/raptrnet/raptr/src/crypto"
	"github.com/raptrnet/raptr/src/crypto/keys"
	"github.com/raptrnet/raptr/src/peers"
)

// SigTag is a domain-separation tag mixed into the digest before signing, so
// a signature produced for one message kind can never be replayed as another.
type SigTag string

const (
	TagBlock  SigTag = "block"
	TagQCVote SigTag = "qc-vote"
	TagCCVote SigTag = "cc-vote"
	TagTCVote SigTag = "tc-vote"
)

// AggSignature is a multi-signature: the collected per-signer signatures of a
// quorum, keyed by validator ID. Verifying it means verifying each member
// against that signer's own signed data.
type AggSignature map[NodeID]string

// AggregateSignatures combines per-voter signature maps into one.
func AggregateSignatures(parts ...AggSignature) AggSignature {
	agg := AggSignature{}
	for _, part := range parts {
		for id, sig := range part {
			agg[id] = sig
		}
	}
	return agg
}

// Signer produces this node's signatures. It is the consensus core's only
// handle on the private key.
type Signer interface {
	NodeID() NodeID
	Sign(data []byte) (string, error)
	SignTagged(tag SigTag, data []byte) (string, error)
}

// SignatureVerifier checks other validators' signatures.
type SignatureVerifier interface {
	Verify(sender NodeID, data []byte, sig string) bool
	VerifyTagged(tag SigTag, sender NodeID, data []byte, sig string) bool
}

// TaggedHash computes the digest that is actually signed: SHA256 over the
// tag, a separator, and the data.
func TaggedHash(tag SigTag, data []byte) []byte {
	buf := make([]byte, 0, len(tag)+1+len(data))
	buf = append(buf, []byte(tag)...)
	buf = append(buf, '|')
	buf = append(buf, data...)
	return crypto.SHA256(buf)
}

// KeyVerifier verifies signatures against the public keys of a validator
// set.
type KeyVerifier struct {
	peers *peers.PeerSet
}

// NewKeyVerifier returns a SignatureVerifier backed by the peer-set's public
// keys.
func NewKeyVerifier(peerSet *peers.PeerSet) *KeyVerifier {
	return &KeyVerifier{peers: peerSet}
}

// Verify checks a signature over the plain SHA256 of data.
func (kv *KeyVerifier) Verify(sender NodeID, data []byte, sig string) bool {
	return kv.verifyHash(sender, crypto.SHA256(data), sig)
}

// VerifyTagged checks a signature over the tagged hash of data.
func (kv *KeyVerifier) VerifyTagged(tag SigTag, sender NodeID, data []byte, sig string) bool {
	return kv.verifyHash(sender, TaggedHash(tag, data), sig)
}

func (kv *KeyVerifier) verifyHash(sender NodeID, hash []byte, sig string) bool {
	peer, err := kv.peers.Get(sender)
	if err != nil {
		return false
	}

	pub, err := peer.PubKey()
	if err != nil || pub == nil {
		return false
	}

	r, s, err := keys.DecodeSignature(sig)
	if err != nil {
		return false
	}

	return keys.Verify(pub, hash, r, s)
}

package bft

import (
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/raptrnet/raptr/src/crypto"
	"github.com/raptrnet/raptr/src/crypto/keys"
	"github.com/raptrnet/raptr/src/peers"
)

// testSigner implements the Signer interface over a raw key pair.
type testSigner struct {
	id  NodeID
	key *ecdsa.PrivateKey
}

func (s *testSigner) NodeID() NodeID { return s.id }

func (s *testSigner) Sign(data []byte) (string, error) {
	return s.signHash(crypto.SHA256(data))
}

func (s *testSigner) SignTagged(tag SigTag, data []byte) (string, error) {
	return s.signHash(TaggedHash(tag, data))
}

func (s *testSigner) signHash(hash []byte) (string, error) {
	r, sg, err := keys.Sign(s.key, hash)
	if err != nil {
		return "", err
	}
	return keys.EncodeSignature(r, sg), nil
}

// newTestValidators creates n key pairs and the corresponding peer set. The
// returned signers are keyed by the IDs the peer set assigned.
func newTestValidators(t *testing.T, n int) (*peers.PeerSet, map[NodeID]*testSigner) {
	t.Helper()

	byHex := map[string]*ecdsa.PrivateKey{}
	peerSlice := []*peers.Peer{}
	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		pubHex := keys.PublicKeyHex(&key.PublicKey)
		byHex[pubHex] = key
		peerSlice = append(peerSlice, peers.NewPeer(pubHex, fmt.Sprintf("addr%d", i), fmt.Sprintf("node%d", i)))
	}

	peerSet := peers.NewPeerSet(peerSlice)

	signers := map[NodeID]*testSigner{}
	for _, p := range peerSet.Peers {
		signers[p.ID] = &testSigner{id: p.ID, key: byHex[p.PubKeyHex]}
	}

	return peerSet, signers
}

// buildQC assembles a correctly signed QC from the given signers.
func buildQC(t *testing.T, signers map[NodeID]*testSigner, voters []NodeID, round Round, blockDigest string, prefixes []int) *QC {
	t.Helper()

	votes := map[NodeID]PrefixVote{}
	for i, id := range voters {
		sig, err := signers[id].SignTagged(TagQCVote, QcVoteData(round, blockDigest, prefixes[i]))
		if err != nil {
			t.Fatal(err)
		}
		votes[id] = PrefixVote{Prefix: prefixes[i], Signature: sig}
	}

	return NewQCFromVotes(round, blockDigest, votes, len(voters))
}

package peers

import (
	"crypto/ecdsa"
	"encoding/hex"

	"github.com/raptrnet/raptr/src/crypto/keys"
)

// Peer is a participant in the validator set. Its ID is its index in the
// sorted validator set, which is also how leader rotation addresses it.
type Peer struct {
	ID        uint32 `json:"-"`
	NetAddr   string `json:"net_addr"`
	PubKeyHex string `json:"pub_key"`
	Moniker   string `json:"moniker,omitempty"`
}

// NewPeer creates a peer from a hex-encoded public key and a network address.
// The ID is assigned when the peer is inserted in a PeerSet.
func NewPeer(pubKeyHex, netAddr, moniker string) *Peer {
	return &Peer{
		NetAddr:   netAddr,
		PubKeyHex: pubKeyHex,
		Moniker:   moniker,
	}
}

// PubKeyBytes returns the raw public key bytes.
func (p *Peer) PubKeyBytes() ([]byte, error) {
	return hex.DecodeString(p.PubKeyHex[2:])
}

// PubKey parses the peer's public key.
func (p *Peer) PubKey() (*ecdsa.PublicKey, error) {
	b, err := p.PubKeyBytes()
	if err != nil {
		return nil, err
	}
	return keys.ToPublicKey(b), nil
}

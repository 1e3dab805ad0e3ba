package node

import (
	"crypto/ecdsa"

	"github.com/raptrnet/raptr/src/bft"
	"github.com/raptrnet/raptr/src/crypto"
	"github.com/raptrnet/raptr/src/crypto/keys"
)

// Validator holds the private key material of this node and implements the
// bft.Signer interface. The ID is the node's index in the sorted validator
// set, assigned when the peer set is loaded.
type Validator struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	id     bft.NodeID
	pubHex string
}

// NewValidator is a factory method for a Validator.
func NewValidator(key *ecdsa.PrivateKey, moniker string, id bft.NodeID) *Validator {
	return &Validator{
		Key:     key,
		Moniker: moniker,
		id:      id,
	}
}

// NodeID implements the bft.Signer interface.
func (v *Validator) NodeID() bft.NodeID {
	return v.id
}

// Sign implements the bft.Signer interface. It signs the plain SHA256 of
// data.
func (v *Validator) Sign(data []byte) (string, error) {
	return v.signHash(crypto.SHA256(data))
}

// SignTagged implements the bft.Signer interface. It signs the
// domain-separated hash of data.
func (v *Validator) SignTagged(tag bft.SigTag, data []byte) (string, error) {
	return v.signHash(bft.TaggedHash(tag, data))
}

func (v *Validator) signHash(hash []byte) (string, error) {
	r, s, err := keys.Sign(v.Key, hash)
	if err != nil {
		return "", err
	}
	return keys.EncodeSignature(r, s), nil
}

// PublicKeyHex returns the validator's public key as a hex string.
func (v *Validator) PublicKeyHex() string {
	if len(v.pubHex) == 0 {
		v.pubHex = keys.PublicKeyHex(&v.Key.PublicKey)
	}
	return v.pubHex
}

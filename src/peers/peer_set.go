package peers

import (
	"fmt"
	"sort"
)

// PeerSet is the fixed validator set of a consensus network. Peers are sorted
// by public key and assigned IDs equal to their index in the sorted order, so
// every correct node derives the same leader schedule.
type PeerSet struct {
	Peers    []*Peer          `json:"peers"`
	ByPubKey map[string]*Peer `json:"-"`
	ByID     map[uint32]*Peer `json:"-"`
}

// NewPeerSet creates a new PeerSet from a list of peers. The input slice is
// re-sorted by public key.
func NewPeerSet(peers []*Peer) *PeerSet {
	sorted := make([]*Peer, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PubKeyHex < sorted[j].PubKeyHex
	})

	peerSet := &PeerSet{
		Peers:    sorted,
		ByPubKey: make(map[string]*Peer),
		ByID:     make(map[uint32]*Peer),
	}

	for i, peer := range sorted {
		peer.ID = uint32(i)
		peerSet.ByPubKey[peer.PubKeyHex] = peer
		peerSet.ByID[peer.ID] = peer
	}

	return peerSet
}

// Len returns the number of validators.
func (ps *PeerSet) Len() int {
	return len(ps.Peers)
}

// Leader returns the deterministic leader of a round: round % n.
func (ps *PeerSet) Leader(round uint64) *Peer {
	return ps.Peers[int(round%uint64(len(ps.Peers)))]
}

// IDs returns the sorted validator IDs.
func (ps *PeerSet) IDs() []uint32 {
	ids := make([]uint32, len(ps.Peers))
	for i, p := range ps.Peers {
		ids[i] = p.ID
	}
	return ids
}

// Get returns the peer with the given ID, or an error if it is not a member
// of the set.
func (ps *PeerSet) Get(id uint32) (*Peer, error) {
	p, ok := ps.ByID[id]
	if !ok {
		return nil, fmt.Errorf("peer %d not in peer-set", id)
	}
	return p, nil
}

// ExcludePeer returns a copy of the peer list without the given peer.
func ExcludePeer(peers []*Peer, id uint32) []*Peer {
	otherPeers := make([]*Peer, 0, len(peers))
	for _, p := range peers {
		if p.ID != id {
			otherPeers = append(otherPeers, p)
		}
	}
	return otherPeers
}

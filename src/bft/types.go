package bft

import "fmt"

// Round is a consensus round number. Rounds are monotonically non-decreasing
// per node and map to a leader deterministically (round % n).
type Round = uint64

// NodeID is a validator's index in the sorted validator set.
type NodeID = uint32

// SubBlockID identifies a quorum certificate: the round it certifies and the
// payload prefix it covers. IDs are totally ordered, round first.
type SubBlockID struct {
	Round  Round `json:"round"`
	Prefix int   `json:"prefix"`
}

// Less returns true if id orders strictly before other.
func (id SubBlockID) Less(other SubBlockID) bool {
	if id.Round != other.Round {
		return id.Round < other.Round
	}
	return id.Prefix < other.Prefix
}

// LessOrEqual returns true if id orders before or equal to other.
func (id SubBlockID) LessOrEqual(other SubBlockID) bool {
	return !other.Less(id)
}

func (id SubBlockID) String() string {
	return fmt.Sprintf("(%d,%d)", id.Round, id.Prefix)
}

// QcVoteData is the canonical byte string a validator signs, under TagQCVote,
// when QC-voting for a block prefix.
func QcVoteData(round Round, blockDigest string, prefix int) []byte {
	return []byte(fmt.Sprintf("%d|%s|%d", round, blockDigest, prefix))
}

// CcVoteData is the canonical byte string a validator signs, under TagCCVote,
// when issuing a commit vote.
func CcVoteData(round Round, blockDigest string, prefix int) []byte {
	return []byte(fmt.Sprintf("%d|%s|%d", round, blockDigest, prefix))
}

// TcVoteData is the canonical byte string a validator signs, under TagTCVote,
// when voting to time out a round, committing to the highest QC it has seen.
func TcVoteData(round Round, qcHigh SubBlockID) []byte {
	return []byte(fmt.Sprintf("%d|%d|%d", round, qcHigh.Round, qcHigh.Prefix))
}

package bft

import "fmt"

// MessageType discriminates wire messages.
type MessageType uint8

const (
	ProposeType MessageType = iota + 1
	QcVoteType
	CcVoteType
	TcVoteType
	AdvanceRoundType
	FetchReqType
	FetchRespType
)

var messageTypes = map[MessageType]string{
	ProposeType:      "Propose",
	QcVoteType:       "QcVote",
	CcVoteType:       "CcVote",
	TcVoteType:       "TcVote",
	AdvanceRoundType: "AdvanceRound",
	FetchReqType:     "FetchReq",
	FetchRespType:    "FetchResp",
}

func (t MessageType) String() string {
	if s, ok := messageTypes[t]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", t)
}

// Message is the wire vocabulary of the protocol. Every variant round-trips
// through the transport codec.
type Message interface {
	Type() MessageType
}

// Propose carries a leader's block for a round.
type Propose struct {
	Block *Block `json:"block"`
}

func (*Propose) Type() MessageType { return ProposeType }

// QcVote attests that the sender stores the first Prefix sub-blocks of the
// block and signs off on certifying them.
type QcVote struct {
	Round          Round    `json:"round"`
	Prefix         int      `json:"prefix"`
	BlockDigest    string   `json:"block_digest"`
	Signature      string   `json:"signature"`
	MissingAuthors []NodeID `json:"missing_authors,omitempty"`
}

func (*QcVote) Type() MessageType { return QcVoteType }

// CcVote is a commit vote: the sender saw the embedded QC and commits to its
// prefix.
type CcVote struct {
	QC        *QC    `json:"qc"`
	Signature string `json:"signature"`
}

func (*CcVote) Type() MessageType { return CcVoteType }

// TcVote is a timeout vote for a round, carrying the highest QC the sender
// had seen and its timeout classification.
type TcVote struct {
	Round     Round         `json:"round"`
	QC        *QC           `json:"qc"`
	Signature string        `json:"signature"`
	Reason    TimeoutReason `json:"reason"`
}

func (*TcVote) Type() MessageType { return TcVoteType }

// AdvanceRound announces the sender's round readiness with its justification.
// It doubles as the periodic round-sync rebroadcast.
type AdvanceRound struct {
	Round  Round            `json:"round"`
	Reason RoundEntryReason `json:"reason"`
}

func (*AdvanceRound) Type() MessageType { return AdvanceRoundType }

// FetchReq asks a peer for the block with the given digest.
type FetchReq struct {
	BlockDigest string `json:"block_digest"`
}

func (*FetchReq) Type() MessageType { return FetchReqType }

// FetchResp answers a FetchReq with the full block.
type FetchResp struct {
	Block *Block `json:"block"`
}

func (*FetchResp) Type() MessageType { return FetchRespType }

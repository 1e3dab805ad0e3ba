package bft

// TC is a timeout certificate: proof that a quorum of validators voted to
// time out a round. Each signature covers the voter's timeout round and the
// id of the highest QC the voter had seen; the aggregated reason classifies
// why the round failed.
type TC struct {
	Round      Round                 `json:"round"`
	VotedIDs   map[NodeID]SubBlockID `json:"voted_ids"`
	Signatures AggSignature          `json:"signatures"`
	Reason     TimeoutReason         `json:"reason"`
}

// TimeoutVote is a single validator's timeout vote as retained by the tally.
type TimeoutVote struct {
	Voter     NodeID
	QC        *QC
	Signature string
	Reason    TimeoutReason
}

// NewTCFromVotes aggregates retained timeout votes into a TC. The reason is
// aggregated by kind plurality at quorum power, and the certificate carries
// the id of each voter's QC so the signatures remain verifiable.
func NewTCFromVotes(round Round, votes []TimeoutVote, quorum int) *TC {
	tc := &TC{
		Round:    round,
		VotedIDs: make(map[NodeID]SubBlockID, len(votes)),
	}

	reasons := make(map[NodeID]TimeoutReason, len(votes))
	sigs := make([]AggSignature, 0, len(votes))
	for _, v := range votes {
		tc.VotedIDs[v.Voter] = v.QC.ID()
		sigs = append(sigs, AggSignature{v.Voter: v.Signature})
		reasons[v.Voter] = v.Reason
	}
	tc.Signatures = AggregateSignatures(sigs...)
	tc.Reason = AggregateTimeoutReasons(reasons, quorum)

	return tc
}

// MaxVote returns, among the given timeout votes, the one carrying the
// highest-id QC. It is used as the catch-up hint of the round-entry reason.
func MaxVote(votes []TimeoutVote) *QC {
	var best *QC
	for _, v := range votes {
		if best == nil || best.ID().Less(v.QC.ID()) {
			best = v.QC
		}
	}
	return best
}

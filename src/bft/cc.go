package bft

// CC is a commit certificate: proof that a quorum of validators issued commit
// votes for the same round. The committed prefix is the minimum prefix among
// the aggregated votes, so every retained voter observed at least that much.
type CC struct {
	Round          Round          `json:"round"`
	BlockDigest    string         `json:"block_digest"`
	SignerPrefixes map[NodeID]int `json:"signer_prefixes"`
	Signatures     AggSignature   `json:"signatures"`
}

// CommitVote is a single validator's commit vote as retained by the tally.
// The vote commits to the prefix of the QC it embeds.
type CommitVote struct {
	Voter     NodeID
	QC        *QC
	Signature string
}

// NewCCFromVotes aggregates retained commit votes into a CC.
func NewCCFromVotes(round Round, votes []CommitVote) *CC {
	cc := &CC{
		Round:          round,
		SignerPrefixes: make(map[NodeID]int, len(votes)),
	}

	minPrefix := -1
	sigs := make([]AggSignature, 0, len(votes))
	for _, v := range votes {
		cc.SignerPrefixes[v.Voter] = v.QC.Prefix
		sigs = append(sigs, AggSignature{v.Voter: v.Signature})
		if minPrefix < 0 || v.QC.Prefix < minPrefix {
			minPrefix = v.QC.Prefix
			cc.BlockDigest = v.QC.BlockDigest
		}
	}
	cc.Signatures = AggregateSignatures(sigs...)

	return cc
}

// MinPrefix returns the certified commit prefix.
func (cc *CC) MinPrefix() int {
	min := -1
	for _, p := range cc.SignerPrefixes {
		if min < 0 || p < min {
			min = p
		}
	}
	return min
}

// ID returns the SubBlockID the certificate commits.
func (cc *CC) ID() SubBlockID {
	return SubBlockID{Round: cc.Round, Prefix: cc.MinPrefix()}
}

package bft

import "sort"

// PrefixVote is a single validator's QC-vote as retained by the tally: the
// prefix it attests to, the signature over QcVoteData, and the batch authors
// it reported missing.
type PrefixVote struct {
	Prefix         int
	Signature      string
	MissingAuthors []NodeID
}

// QC is a quorum certificate: proof that a quorum of validators voted for a
// block up to a given sub-block prefix. The certified prefix is the minimum
// prefix among the aggregated votes, so every signer attested at least that
// much. A QC's identity is its SubBlockID (round, prefix).
type QC struct {
	Round              Round          `json:"round"`
	BlockDigest        string         `json:"block_digest"`
	Prefix             int            `json:"prefix"`
	SignerPrefixes     map[NodeID]int `json:"signer_prefixes"`
	Signatures         AggSignature   `json:"signatures"`
	MissingAuthors     []NodeID       `json:"missing_authors,omitempty"`
	StorageRequirement int            `json:"storage_requirement"`
}

// NewQCFromVotes aggregates a quorum of prefix votes into a QC.
func NewQCFromVotes(round Round, blockDigest string, votes map[NodeID]PrefixVote, storageRequirement int) *QC {
	qc := &QC{
		Round:              round,
		BlockDigest:        blockDigest,
		Prefix:             -1,
		SignerPrefixes:     make(map[NodeID]int, len(votes)),
		StorageRequirement: storageRequirement,
	}

	missing := map[NodeID]bool{}
	sigs := make([]AggSignature, 0, len(votes))
	for id, v := range votes {
		qc.SignerPrefixes[id] = v.Prefix
		sigs = append(sigs, AggSignature{id: v.Signature})
		if qc.Prefix < 0 || v.Prefix < qc.Prefix {
			qc.Prefix = v.Prefix
		}
		for _, a := range v.MissingAuthors {
			missing[a] = true
		}
	}
	qc.Signatures = AggregateSignatures(sigs...)
	qc.MissingAuthors = sortedIDs(missing)

	return qc
}

// ID returns the certificate's identity.
func (qc *QC) ID() SubBlockID {
	return SubBlockID{Round: qc.Round, Prefix: qc.Prefix}
}

// IsFull returns true if the QC certifies the whole payload.
func (qc *QC) IsFull(nSubBlocks int) bool {
	return qc.Prefix >= nSubBlocks
}

// IsGenesis returns true for the round-0 sentinel certificate.
func (qc *QC) IsGenesis() bool {
	return qc.Round == 0
}

// Signers returns the sorted IDs of the validators whose votes the QC
// aggregates.
func (qc *QC) Signers() []NodeID {
	ids := make([]NodeID, 0, len(qc.SignerPrefixes))
	for id := range qc.SignerPrefixes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FullPrefixVotes counts the votes that attested to the whole payload.
func (qc *QC) FullPrefixVotes(nSubBlocks int) int {
	count := 0
	for _, p := range qc.SignerPrefixes {
		if p >= nSubBlocks {
			count++
		}
	}
	return count
}

func sortedIDs(set map[NodeID]bool) []NodeID {
	if len(set) == 0 {
		return nil
	}
	ids := make([]NodeID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

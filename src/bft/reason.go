package bft

import "fmt"

// EntryKind discriminates the certificate that justifies entering a round.
type EntryKind uint8

const (
	// EntryFullPrefixQC justifies entering QC.Round+1 with a full-prefix QC.
	EntryFullPrefixQC EntryKind = iota + 1
	// EntryThisRoundQC justifies entering the QC's own round (lagging-node
	// catch-up).
	EntryThisRoundQC
	// EntryCC justifies entering CC.Round+1 after a commit certificate.
	EntryCC
	// EntryTC justifies entering TC.Round+1 after a timeout certificate.
	EntryTC
)

var entryKinds = map[EntryKind]string{
	EntryFullPrefixQC: "FullPrefixQC",
	EntryThisRoundQC:  "ThisRoundQC",
	EntryCC:           "CC",
	EntryTC:           "TC",
}

func (k EntryKind) String() string {
	if s, ok := entryKinds[k]; ok {
		return s
	}
	return fmt.Sprintf("EntryKind(%d)", k)
}

// RoundEntryReason is the justification a node presents, to a leader or to
// itself, to enter a round. For QC kinds the QC field is the certificate
// itself; for CC/TC kinds it is the highest QC seen by the certificate's
// voters, carried as a catch-up hint.
type RoundEntryReason struct {
	Kind EntryKind `json:"kind"`
	QC   *QC       `json:"qc,omitempty"`
	CC   *CC       `json:"cc,omitempty"`
	TC   *TC       `json:"tc,omitempty"`
}

// FullPrefixQCReason builds the entry reason for a full-prefix QC.
func FullPrefixQCReason(qc *QC) RoundEntryReason {
	return RoundEntryReason{Kind: EntryFullPrefixQC, QC: qc}
}

// ThisRoundQCReason builds the catch-up entry reason for a partial QC.
func ThisRoundQCReason(qc *QC) RoundEntryReason {
	return RoundEntryReason{Kind: EntryThisRoundQC, QC: qc}
}

// CCReason builds the entry reason for a commit certificate, with the
// highest voter QC as catch-up hint.
func CCReason(cc *CC, maxQC *QC) RoundEntryReason {
	return RoundEntryReason{Kind: EntryCC, CC: cc, QC: maxQC}
}

// TCReason builds the entry reason for a timeout certificate, with the
// highest voter QC as catch-up hint.
func TCReason(tc *TC, maxQC *QC) RoundEntryReason {
	return RoundEntryReason{Kind: EntryTC, TC: tc, QC: maxQC}
}

// Target returns the round the reason justifies entering.
func (r RoundEntryReason) Target() Round {
	switch r.Kind {
	case EntryFullPrefixQC:
		return r.QC.Round + 1
	case EntryThisRoundQC:
		return r.QC.Round
	case EntryCC:
		return r.CC.Round + 1
	case EntryTC:
		return r.TC.Round + 1
	}
	return 0
}

// BestQC returns the highest QC embedded in the reason. It is the QC a leader
// extends when proposing at the target round.
func (r RoundEntryReason) BestQC() *QC {
	return r.QC
}

func (r RoundEntryReason) String() string {
	return fmt.Sprintf("%s->r%d", r.Kind, r.Target())
}

// TimeoutKind classifies why a node timed out a round.
type TimeoutKind uint8

const (
	// TimeoutUnknown is the fallback when no kind reaches quorum power, or
	// when the node cannot classify its own timeout.
	TimeoutUnknown TimeoutKind = iota
	// TimeoutNoQC: the node never cast a QC-vote in the round.
	TimeoutNoQC
	// TimeoutProposalNotReceived: no proposal arrived for the round.
	TimeoutProposalNotReceived
	// TimeoutPayloadUnavailable: a proposal arrived but parts of its payload
	// never became locally available.
	TimeoutPayloadUnavailable
)

var timeoutKinds = map[TimeoutKind]string{
	TimeoutUnknown:             "Unknown",
	TimeoutNoQC:                "NoQC",
	TimeoutProposalNotReceived: "ProposalNotReceived",
	TimeoutPayloadUnavailable:  "PayloadUnavailable",
}

func (k TimeoutKind) String() string {
	if s, ok := timeoutKinds[k]; ok {
		return s
	}
	return fmt.Sprintf("TimeoutKind(%d)", k)
}

// TimeoutReason is a timeout classification, possibly flagging the batch
// authors whose data never arrived.
type TimeoutReason struct {
	Kind           TimeoutKind `json:"kind"`
	MissingAuthors []NodeID    `json:"missing_authors,omitempty"`
}

// AggregateTimeoutReasons merges per-voter timeout reasons into one. The
// winning kind must account for at least quorum voting power, otherwise the
// result is Unknown. For PayloadUnavailable, the aggregated missing-author
// set flags only authors reported by at least quorum voters.
func AggregateTimeoutReasons(reasons map[NodeID]TimeoutReason, quorum int) TimeoutReason {
	kindPower := map[TimeoutKind]int{}
	authorPower := map[NodeID]int{}

	for _, r := range reasons {
		kindPower[r.Kind]++
		if r.Kind == TimeoutPayloadUnavailable {
			for _, a := range r.MissingAuthors {
				authorPower[a]++
			}
		}
	}

	winner := TimeoutUnknown
	winnerPower := 0
	for kind, power := range kindPower {
		if power > winnerPower || (power == winnerPower && kind > winner) {
			winner, winnerPower = kind, power
		}
	}
	if winnerPower < quorum {
		return TimeoutReason{Kind: TimeoutUnknown}
	}

	agg := TimeoutReason{Kind: winner}
	if winner == TimeoutPayloadUnavailable {
		flagged := map[NodeID]bool{}
		for a, power := range authorPower {
			if power >= quorum {
				flagged[a] = true
			}
		}
		agg.MissingAuthors = sortedIDs(flagged)
	}
	return agg
}

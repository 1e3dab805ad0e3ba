package dissem

import (
	"github.com/raptrnet/raptr/src/bft"
)

// Commit is the notification delivered to the dissemination layer when a
// payload prefix is finalized.
type Commit struct {
	// Batches are the newly committed batch references, in payload order.
	Batches []bft.BatchRef

	// Timestamp is the committed block's timestamp.
	Timestamp int64

	// Voters are the validators whose votes formed the committing
	// certificate.
	Voters []bft.NodeID
}

// FullBlockAvailable is the event raised by the dissemination layer once
// every sub-block of a round's proposal is locally stored.
type FullBlockAvailable struct {
	Round bft.Round
}

// Disseminator is the external collaborator that stores batch payloads and
// tracks their local availability. The consensus core never inspects batch
// contents; it asks the disseminator what it can vote for and tells it what
// was committed.
type Disseminator interface {
	// PrepareBlock assembles a payload for a new proposal at round. Batches
	// in exclude are already proposed but uncommitted, and must not be
	// re-proposed. missingAuthors flags authors a timeout certificate
	// reported as unavailable, so their batches are skipped.
	PrepareBlock(round bft.Round, exclude []bft.BatchRef, missingAuthors []bft.NodeID) (*bft.Payload, error)

	// AvailablePrefix returns the number of leading sub-blocks of the
	// payload that are fully stored locally, at least hint if possible, and
	// the authors of the first missing batches.
	AvailablePrefix(payload *bft.Payload, hint int) (int, []bft.NodeID)

	// CheckPayload reports whether the whole payload is locally stored, and
	// if not which authors' batches are missing.
	CheckPayload(payload *bft.Payload) (bool, []bft.NodeID)

	// NotifyProposal hands a received proposal's payload to the
	// disseminator so it can start completing it. Once complete, the
	// disseminator raises FullBlockAvailable on FullBlockCh.
	NotifyProposal(round bft.Round, payload *bft.Payload)

	// NotifyQC tells the disseminator a payload prefix was certified.
	NotifyQC(qc *bft.QC, payload *bft.Payload)

	// NotifyCommit delivers newly committed batches.
	NotifyCommit(commit Commit) error

	// SetFirstCommittedBlockTimestamp records the timestamp of the first
	// ever committed block, used for rate accounting.
	SetFirstCommittedBlockTimestamp(timestamp int64)

	// FullBlockCh is the channel on which FullBlockAvailable events reach
	// the reactor.
	FullBlockCh() <-chan FullBlockAvailable

	// Stop is called once when the node shuts down.
	Stop()
}

package dissem

import (
	"fmt"
	"sync"

	"github.com/raptrnet/raptr/src/bft"
	"github.com/sirupsen/logrus"
)

// InmemDissem implements the Disseminator interface natively. Every batch it
// creates is immediately available, which makes it suitable for tests and
// for running a node without a real batch-dissemination network.
type InmemDissem struct {
	sync.Mutex

	self       bft.NodeID
	nSubBlocks int

	// seq numbers the synthetic batches produced by PrepareBlock.
	seq int

	// committed accumulates commit notifications in order.
	committed []Commit

	firstCommitTimestamp int64

	fullBlockCh chan FullBlockAvailable

	logger *logrus.Entry
}

// NewInmemDissem instantiates an in-memory disseminator.
func NewInmemDissem(self bft.NodeID, nSubBlocks int, logger *logrus.Entry) *InmemDissem {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = log.WithField("prefix", "dissem")
	}

	return &InmemDissem{
		self:        self,
		nSubBlocks:  nSubBlocks,
		fullBlockCh: make(chan FullBlockAvailable, 16),
		logger:      logger,
	}
}

// PrepareBlock implements the Disseminator interface. It fabricates one
// batch per sub-block, skipping batches already in flight.
func (d *InmemDissem) PrepareBlock(round bft.Round, exclude []bft.BatchRef, missingAuthors []bft.NodeID) (*bft.Payload, error) {
	d.Lock()
	defer d.Unlock()

	excluded := map[bft.BatchRef]bool{}
	for _, ref := range exclude {
		excluded[ref] = true
	}

	payload := bft.NewEmptyPayload(d.nSubBlocks)
	for i := 0; i < d.nSubBlocks; i++ {
		ref := bft.BatchRef{
			Author: d.self,
			Digest: fmt.Sprintf("batch-%d-%d-%d", d.self, round, d.seq),
		}
		d.seq++
		if excluded[ref] {
			continue
		}
		payload.SubBlocks[i].Batches = append(payload.SubBlocks[i].Batches, ref)
	}

	return payload, nil
}

// AvailablePrefix implements the Disseminator interface. In-memory batches
// are always stored, so the whole payload is available.
func (d *InmemDissem) AvailablePrefix(payload *bft.Payload, hint int) (int, []bft.NodeID) {
	return len(payload.SubBlocks), nil
}

// CheckPayload implements the Disseminator interface.
func (d *InmemDissem) CheckPayload(payload *bft.Payload) (bool, []bft.NodeID) {
	return true, nil
}

// NotifyProposal implements the Disseminator interface. Everything is
// already stored, so the full-block event fires immediately.
func (d *InmemDissem) NotifyProposal(round bft.Round, payload *bft.Payload) {
	select {
	case d.fullBlockCh <- FullBlockAvailable{Round: round}:
	default:
		// reactor is backed up; the QC-vote timer will cover for the lost
		// event
	}
}

// NotifyQC implements the Disseminator interface.
func (d *InmemDissem) NotifyQC(qc *bft.QC, payload *bft.Payload) {
	d.logger.WithFields(logrus.Fields{
		"round":  qc.Round,
		"prefix": qc.Prefix,
	}).Debug("NotifyQC")
}

// NotifyCommit implements the Disseminator interface.
func (d *InmemDissem) NotifyCommit(commit Commit) error {
	d.Lock()
	defer d.Unlock()

	d.committed = append(d.committed, commit)

	d.logger.WithFields(logrus.Fields{
		"batches": len(commit.Batches),
		"voters":  len(commit.Voters),
	}).Debug("NotifyCommit")

	return nil
}

// SetFirstCommittedBlockTimestamp implements the Disseminator interface.
func (d *InmemDissem) SetFirstCommittedBlockTimestamp(timestamp int64) {
	d.Lock()
	defer d.Unlock()

	if d.firstCommitTimestamp == 0 {
		d.firstCommitTimestamp = timestamp
	}
}

// FullBlockCh implements the Disseminator interface.
func (d *InmemDissem) FullBlockCh() <-chan FullBlockAvailable {
	return d.fullBlockCh
}

// Stop implements the Disseminator interface.
func (d *InmemDissem) Stop() {}

// Committed returns the commit notifications received so far.
func (d *InmemDissem) Committed() []Commit {
	d.Lock()
	defer d.Unlock()

	res := make([]Commit, len(d.committed))
	copy(res, d.committed)
	return res
}

// CommittedBatches flattens the committed batch references.
func (d *InmemDissem) CommittedBatches() []bft.BatchRef {
	d.Lock()
	defer d.Unlock()

	batches := []bft.BatchRef{}
	for _, c := range d.committed {
		batches = append(batches, c.Batches...)
	}
	return batches
}

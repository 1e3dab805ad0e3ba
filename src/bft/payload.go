package bft

// BatchRef references a batch of transactions held by the dissemination
// layer. The consensus core never sees transaction contents, only references.
type BatchRef struct {
	Author NodeID `json:"author"`
	Digest string `json:"digest"`
}

// SubBlock is one chunk of a block's payload. A QC may certify only a prefix
// of a block's sub-blocks.
type SubBlock struct {
	Batches []BatchRef `json:"batches"`
}

// AvailabilityCert is an opaque proof, produced by the dissemination layer,
// that a quorum stores a batch.
type AvailabilityCert struct {
	Batch   BatchRef `json:"batch"`
	Signers []NodeID `json:"signers"`
}

// Payload is the content of a block: an ordered sequence of sub-blocks plus a
// set of availability certificates.
type Payload struct {
	SubBlocks []SubBlock         `json:"sub_blocks"`
	ACs       []AvailabilityCert `json:"acs"`
}

// NewEmptyPayload returns a payload with nSubBlocks empty sub-blocks.
func NewEmptyPayload(nSubBlocks int) *Payload {
	return &Payload{
		SubBlocks: make([]SubBlock, nSubBlocks),
	}
}

// BatchesInRange collects the batch references of sub-blocks in [from, to).
func (p *Payload) BatchesInRange(from, to int) []BatchRef {
	if from < 0 {
		from = 0
	}
	if to > len(p.SubBlocks) {
		to = len(p.SubBlocks)
	}
	batches := []BatchRef{}
	for i := from; i < to; i++ {
		batches = append(batches, p.SubBlocks[i].Batches...)
	}
	return batches
}

// Batches collects the batch references of the first prefix sub-blocks.
func (p *Payload) Batches(prefix int) []BatchRef {
	return p.BatchesInRange(0, prefix)
}

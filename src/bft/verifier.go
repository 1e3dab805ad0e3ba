package bft

import (
	"fmt"

	"github.com/raptrnet/raptr/src/peers"
)

// Verifier validates the cryptographic and structural correctness of inbound
// messages before they reach the protocol core. The core never processes a
// message the Verifier rejected.
type Verifier struct {
	peers      *peers.PeerSet
	sv         SignatureVerifier
	nSubBlocks int
	quorum     int
}

// NewVerifier creates a Verifier for a validator set.
func NewVerifier(peerSet *peers.PeerSet, sv SignatureVerifier, nSubBlocks, quorum int) *Verifier {
	return &Verifier{
		peers:      peerSet,
		sv:         sv,
		nSubBlocks: nSubBlocks,
		quorum:     quorum,
	}
}

// VerifyMessage checks an inbound message from sender. A non-nil error means
// the message must be dropped.
func (v *Verifier) VerifyMessage(sender NodeID, msg Message) error {
	if _, err := v.peers.Get(sender); err != nil {
		return err
	}

	switch m := msg.(type) {
	case *Propose:
		return v.verifyPropose(sender, m)
	case *QcVote:
		return v.verifyQcVote(sender, m)
	case *CcVote:
		return v.verifyCcVote(sender, m)
	case *TcVote:
		return v.verifyTcVote(sender, m)
	case *AdvanceRound:
		return v.verifyAdvanceRound(m)
	case *FetchReq:
		return nil
	case *FetchResp:
		return v.VerifyBlock(m.Block)
	}
	return fmt.Errorf("unknown message type %T", msg)
}

func (v *Verifier) verifyPropose(sender NodeID, m *Propose) error {
	if m.Block == nil {
		return fmt.Errorf("propose without block")
	}
	if m.Block.Author() != sender {
		return fmt.Errorf("propose sender %d is not block author %d", sender, m.Block.Author())
	}
	return v.VerifyBlock(m.Block)
}

// VerifyBlock checks authorship, the author signature, and the embedded
// round-entry justification.
func (v *Verifier) VerifyBlock(b *Block) error {
	if b == nil {
		return fmt.Errorf("nil block")
	}

	leader := v.peers.Leader(b.Round())
	if b.Author() != leader.ID {
		return fmt.Errorf("block author %d is not round %d leader %d", b.Author(), b.Round(), leader.ID)
	}

	ok, err := b.Verify(v.sv)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("invalid author signature on block %s", b.Hex())
	}

	if err := v.VerifyQC(b.ParentQC()); err != nil {
		return fmt.Errorf("parent qc: %v", err)
	}

	return v.VerifyReason(b.Body.Reason)
}

func (v *Verifier) verifyQcVote(sender NodeID, m *QcVote) error {
	if m.Prefix < 0 || m.Prefix > v.nSubBlocks {
		return fmt.Errorf("qc-vote prefix %d out of range [0,%d]", m.Prefix, v.nSubBlocks)
	}
	data := QcVoteData(m.Round, m.BlockDigest, m.Prefix)
	if !v.sv.VerifyTagged(TagQCVote, sender, data, m.Signature) {
		return fmt.Errorf("invalid qc-vote signature from %d at round %d", sender, m.Round)
	}
	return nil
}

func (v *Verifier) verifyCcVote(sender NodeID, m *CcVote) error {
	if m.QC == nil {
		return fmt.Errorf("cc-vote without qc")
	}
	data := CcVoteData(m.QC.Round, m.QC.BlockDigest, m.QC.Prefix)
	if !v.sv.VerifyTagged(TagCCVote, sender, data, m.Signature) {
		return fmt.Errorf("invalid cc-vote signature from %d at round %d", sender, m.QC.Round)
	}
	return v.VerifyQC(m.QC)
}

func (v *Verifier) verifyTcVote(sender NodeID, m *TcVote) error {
	if m.QC == nil {
		return fmt.Errorf("tc-vote without qc")
	}
	if m.QC.Round > m.Round {
		return fmt.Errorf("tc-vote qc round %d above timeout round %d", m.QC.Round, m.Round)
	}
	data := TcVoteData(m.Round, m.QC.ID())
	if !v.sv.VerifyTagged(TagTCVote, sender, data, m.Signature) {
		return fmt.Errorf("invalid tc-vote signature from %d at round %d", sender, m.Round)
	}
	return v.VerifyQC(m.QC)
}

func (v *Verifier) verifyAdvanceRound(m *AdvanceRound) error {
	if m.Reason.Target() != m.Round {
		return fmt.Errorf("advance-round %d not justified by reason %s", m.Round, m.Reason)
	}
	return v.VerifyReason(m.Reason)
}

// VerifyReason checks the certificate embedded in a round-entry reason.
func (v *Verifier) VerifyReason(r RoundEntryReason) error {
	switch r.Kind {
	case EntryFullPrefixQC:
		if r.QC == nil {
			return fmt.Errorf("full-prefix reason without qc")
		}
		if !r.QC.IsFull(v.nSubBlocks) {
			return fmt.Errorf("full-prefix reason with partial qc %s", r.QC.ID())
		}
		return v.VerifyQC(r.QC)
	case EntryThisRoundQC:
		if r.QC == nil {
			return fmt.Errorf("this-round reason without qc")
		}
		return v.VerifyQC(r.QC)
	case EntryCC:
		if r.CC == nil {
			return fmt.Errorf("cc reason without cc")
		}
		if err := v.VerifyCC(r.CC); err != nil {
			return err
		}
		if r.QC != nil {
			return v.VerifyQC(r.QC)
		}
		return nil
	case EntryTC:
		if r.TC == nil {
			return fmt.Errorf("tc reason without tc")
		}
		if err := v.VerifyTC(r.TC); err != nil {
			return err
		}
		if r.QC != nil {
			return v.VerifyQC(r.QC)
		}
		return nil
	}
	return fmt.Errorf("unknown entry reason kind %d", r.Kind)
}

// VerifyQC checks a quorum certificate: quorum power, prefix bounds, prefix
// consistency, and every member signature. The genesis sentinel is accepted
// as-is.
func (v *Verifier) VerifyQC(qc *QC) error {
	if qc == nil {
		return fmt.Errorf("nil qc")
	}
	if qc.IsGenesis() {
		return nil
	}

	if qc.Prefix < 0 || qc.Prefix > v.nSubBlocks {
		return fmt.Errorf("qc prefix %d out of range [0,%d]", qc.Prefix, v.nSubBlocks)
	}
	if len(qc.Signatures) < v.quorum {
		return fmt.Errorf("qc %s has %d signatures, quorum is %d", qc.ID(), len(qc.Signatures), v.quorum)
	}

	minPrefix := -1
	for id, prefix := range qc.SignerPrefixes {
		sig, ok := qc.Signatures[id]
		if !ok {
			return fmt.Errorf("qc %s missing signature of %d", qc.ID(), id)
		}
		if prefix < 0 || prefix > v.nSubBlocks {
			return fmt.Errorf("qc %s signer %d prefix %d out of range", qc.ID(), id, prefix)
		}
		data := QcVoteData(qc.Round, qc.BlockDigest, prefix)
		if !v.sv.VerifyTagged(TagQCVote, id, data, sig) {
			return fmt.Errorf("qc %s invalid signature of %d", qc.ID(), id)
		}
		if minPrefix < 0 || prefix < minPrefix {
			minPrefix = prefix
		}
	}

	if qc.Prefix != minPrefix {
		return fmt.Errorf("qc %s prefix is not the minimum signer prefix %d", qc.ID(), minPrefix)
	}

	return nil
}

// VerifyCC checks a commit certificate.
func (v *Verifier) VerifyCC(cc *CC) error {
	if cc == nil {
		return fmt.Errorf("nil cc")
	}
	if len(cc.Signatures) < v.quorum {
		return fmt.Errorf("cc r%d has %d signatures, quorum is %d", cc.Round, len(cc.Signatures), v.quorum)
	}

	for id, prefix := range cc.SignerPrefixes {
		sig, ok := cc.Signatures[id]
		if !ok {
			return fmt.Errorf("cc r%d missing signature of %d", cc.Round, id)
		}
		data := CcVoteData(cc.Round, cc.BlockDigest, prefix)
		if !v.sv.VerifyTagged(TagCCVote, id, data, sig) {
			return fmt.Errorf("cc r%d invalid signature of %d", cc.Round, id)
		}
	}

	return nil
}

// VerifyTC checks a timeout certificate.
func (v *Verifier) VerifyTC(tc *TC) error {
	if tc == nil {
		return fmt.Errorf("nil tc")
	}
	if len(tc.Signatures) < v.quorum {
		return fmt.Errorf("tc r%d has %d signatures, quorum is %d", tc.Round, len(tc.Signatures), v.quorum)
	}

	for id, votedID := range tc.VotedIDs {
		sig, ok := tc.Signatures[id]
		if !ok {
			return fmt.Errorf("tc r%d missing signature of %d", tc.Round, id)
		}
		if votedID.Round > tc.Round {
			return fmt.Errorf("tc r%d voter %d qc round %d above timeout round", tc.Round, id, votedID.Round)
		}
		data := TcVoteData(tc.Round, votedID)
		if !v.sv.VerifyTagged(TagTCVote, id, data, sig) {
			return fmt.Errorf("tc r%d invalid signature of %d", tc.Round, id)
		}
	}

	return nil
}

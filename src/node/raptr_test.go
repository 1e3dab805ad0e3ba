package node

import (
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/raptrnet/raptr/src/bft"
	"github.com/raptrnet/raptr/src/config"
	"github.com/raptrnet/raptr/src/crypto/keys"
	"github.com/raptrnet/raptr/src/dissem"
	"github.com/raptrnet/raptr/src/net"
	"github.com/raptrnet/raptr/src/peers"
	"github.com/sirupsen/logrus"
)

const testSubBlocks = 4

// testSender records the core's outbound traffic instead of sending it.
type testSender struct {
	multicasts []bft.Message
	directs    []directMsg
}

type directMsg struct {
	to  bft.NodeID
	msg bft.Message
}

func (s *testSender) multicast(msg bft.Message) {
	s.multicasts = append(s.multicasts, msg)
}

func (s *testSender) sendTo(id bft.NodeID, msg bft.Message) {
	s.directs = append(s.directs, directMsg{to: id, msg: msg})
}

func (s *testSender) qcVotes() []*bft.QcVote {
	res := []*bft.QcVote{}
	for _, m := range s.multicasts {
		if v, ok := m.(*bft.QcVote); ok {
			res = append(res, v)
		}
	}
	return res
}

func (s *testSender) tcVotes() []*bft.TcVote {
	res := []*bft.TcVote{}
	for _, m := range s.multicasts {
		if v, ok := m.(*bft.TcVote); ok {
			res = append(res, v)
		}
	}
	return res
}

func (s *testSender) advances() []*bft.AdvanceRound {
	res := []*bft.AdvanceRound{}
	for _, m := range s.multicasts {
		if v, ok := m.(*bft.AdvanceRound); ok {
			res = append(res, v)
		}
	}
	return res
}

func (s *testSender) proposals() []*bft.Propose {
	res := []*bft.Propose{}
	for _, m := range s.multicasts {
		if v, ok := m.(*bft.Propose); ok {
			res = append(res, v)
		}
	}
	return res
}

// testDissem is a Disseminator with controllable availability.
type testDissem struct {
	self bft.NodeID
	seq  int

	// available < 0 means the whole payload is stored
	available int
	missing   []bft.NodeID
	complete  bool

	committed   []dissem.Commit
	firstTs     int64
	fullBlockCh chan dissem.FullBlockAvailable
}

func newTestDissem(self bft.NodeID) *testDissem {
	return &testDissem{
		self:        self,
		available:   -1,
		complete:    true,
		fullBlockCh: make(chan dissem.FullBlockAvailable, 16),
	}
}

func (d *testDissem) PrepareBlock(round bft.Round, exclude []bft.BatchRef, missingAuthors []bft.NodeID) (*bft.Payload, error) {
	payload := bft.NewEmptyPayload(testSubBlocks)
	for i := 0; i < testSubBlocks; i++ {
		payload.SubBlocks[i].Batches = []bft.BatchRef{{
			Author: d.self,
			Digest: fmt.Sprintf("batch-%d-%d-%d", d.self, round, d.seq),
		}}
		d.seq++
	}
	return payload, nil
}

func (d *testDissem) AvailablePrefix(payload *bft.Payload, hint int) (int, []bft.NodeID) {
	if d.available < 0 {
		return len(payload.SubBlocks), nil
	}
	return d.available, d.missing
}

func (d *testDissem) CheckPayload(payload *bft.Payload) (bool, []bft.NodeID) {
	return d.complete, d.missing
}

func (d *testDissem) NotifyProposal(round bft.Round, payload *bft.Payload) {}

func (d *testDissem) NotifyQC(qc *bft.QC, payload *bft.Payload) {}

func (d *testDissem) NotifyCommit(commit dissem.Commit) error {
	d.committed = append(d.committed, commit)
	return nil
}

func (d *testDissem) SetFirstCommittedBlockTimestamp(timestamp int64) {
	if d.firstTs == 0 {
		d.firstTs = timestamp
	}
}

func (d *testDissem) FullBlockCh() <-chan dissem.FullBlockAvailable {
	return d.fullBlockCh
}

func (d *testDissem) Stop() {}

// testEnv wires a single core under test with signing helpers for the whole
// validator set.
type testEnv struct {
	conf       *config.Config
	peerSet    *peers.PeerSet
	validators map[bft.NodeID]*Validator
	core       *Raptr
	self       bft.NodeID
	sender     *testSender
	diss       *testDissem
	store      *bft.InmemStore
}

func newTestEnv(t *testing.T, self bft.NodeID) *testEnv {
	t.Helper()

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.NSubBlocks = testSubBlocks
	conf.MaxByzantine = 1
	conf.StorageRequirement = 3

	byHex := map[string]*ecdsa.PrivateKey{}
	peerSlice := []*peers.Peer{}
	for i := 0; i < 4; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		pubHex := keys.PublicKeyHex(&key.PublicKey)
		byHex[pubHex] = key
		peerSlice = append(peerSlice, peers.NewPeer(pubHex, fmt.Sprintf("addr%d", i), fmt.Sprintf("node%d", i)))
	}

	peerSet := peers.NewPeerSet(peerSlice)

	validators := map[bft.NodeID]*Validator{}
	for _, p := range peerSet.Peers {
		validators[p.ID] = NewValidator(byHex[p.PubKeyHex], p.Moniker, p.ID)
	}

	sender := &testSender{}
	diss := newTestDissem(self)
	store := bft.NewInmemStore(testSubBlocks)

	core := NewRaptr(
		validators[self],
		peerSet,
		store,
		diss,
		conf,
		newTimerScheduler(),
		sender,
		conf.Logger().WithField("this_id", self),
	)

	env := &testEnv{
		conf:       conf,
		peerSet:    peerSet,
		validators: validators,
		core:       core,
		self:       self,
		sender:     sender,
		diss:       diss,
		store:      store,
	}

	if err := core.Init(); err != nil {
		t.Fatal(err)
	}

	return env
}

func (e *testEnv) process(t *testing.T, from bft.NodeID, msg bft.Message) {
	t.Helper()
	if err := e.core.ProcessMessage(net.Envelope{From: from, Message: msg}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) leader(round bft.Round) bft.NodeID {
	return e.peerSet.Leader(round).ID
}

// makeBlock builds and signs a proposal for round with the given parent.
func (e *testEnv) makeBlock(t *testing.T, round bft.Round, parent *bft.QC, reason bft.RoundEntryReason) *bft.Block {
	t.Helper()

	author := e.leader(round)
	payload := bft.NewEmptyPayload(testSubBlocks)
	for i := 0; i < testSubBlocks; i++ {
		payload.SubBlocks[i].Batches = []bft.BatchRef{{
			Author: author,
			Digest: fmt.Sprintf("batch-%d-%d-%d", author, round, i),
		}}
	}

	block := bft.NewBlock(round, author, *parent, reason, *payload, int64(round))
	if err := block.Sign(e.validators[author]); err != nil {
		t.Fatal(err)
	}
	return block
}

func (e *testEnv) makeQcVote(t *testing.T, voter bft.NodeID, round bft.Round, digest string, prefix int) *bft.QcVote {
	t.Helper()
	sig, err := e.validators[voter].SignTagged(bft.TagQCVote, bft.QcVoteData(round, digest, prefix))
	if err != nil {
		t.Fatal(err)
	}
	return &bft.QcVote{Round: round, Prefix: prefix, BlockDigest: digest, Signature: sig}
}

func (e *testEnv) makeCcVote(t *testing.T, voter bft.NodeID, qc *bft.QC) *bft.CcVote {
	t.Helper()
	sig, err := e.validators[voter].SignTagged(bft.TagCCVote, bft.CcVoteData(qc.Round, qc.BlockDigest, qc.Prefix))
	if err != nil {
		t.Fatal(err)
	}
	return &bft.CcVote{QC: qc, Signature: sig}
}

func (e *testEnv) makeTcVote(t *testing.T, voter bft.NodeID, round bft.Round, qc *bft.QC, reason bft.TimeoutReason) *bft.TcVote {
	t.Helper()
	sig, err := e.validators[voter].SignTagged(bft.TagTCVote, bft.TcVoteData(round, qc.ID()))
	if err != nil {
		t.Fatal(err)
	}
	return &bft.TcVote{Round: round, QC: qc, Signature: sig, Reason: reason}
}

// makeQC builds a signed QC over a digest from the given voters.
func (e *testEnv) makeQC(t *testing.T, round bft.Round, digest string, voterPrefixes map[bft.NodeID]int) *bft.QC {
	t.Helper()
	votes := map[bft.NodeID]bft.PrefixVote{}
	for id, prefix := range voterPrefixes {
		sig, err := e.validators[id].SignTagged(bft.TagQCVote, bft.QcVoteData(round, digest, prefix))
		if err != nil {
			t.Fatal(err)
		}
		votes[id] = bft.PrefixVote{Prefix: prefix, Signature: sig}
	}
	return bft.NewQCFromVotes(round, digest, votes, e.conf.StorageRequirement)
}

/*******************************************************************************
Tests
*******************************************************************************/

func TestInitEntersRoundOne(t *testing.T) {
	env := newTestEnv(t, 0)

	if env.core.Round() != 1 {
		t.Fatalf("expected round 1, got %d", env.core.Round())
	}
	if !env.core.QCHigh().IsGenesis() {
		t.Fatalf("qc high should start at genesis")
	}
	if env.core.CommittedQC().Round != 0 {
		t.Fatalf("committed head should start at genesis")
	}
}

func TestLeaderProposes(t *testing.T) {
	// peer IDs are indices in public-key order, so the round-1 leader is
	// always validator 1
	env := newTestEnv(t, 1)

	props := env.sender.proposals()
	if len(props) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(props))
	}
	block := props[0].Block
	if block.Round() != 1 {
		t.Fatalf("expected proposal for round 1, got %d", block.Round())
	}
	if block.Author() != env.self {
		t.Fatalf("wrong author: %d", block.Author())
	}
	if !block.ParentQC().IsGenesis() {
		t.Fatalf("round-1 proposal should extend genesis")
	}
	if ok, _ := block.Verify(bft.NewKeyVerifier(env.peerSet)); !ok {
		t.Fatalf("proposal should be signed")
	}
}

func TestProposalTriggersFullQcVote(t *testing.T) {
	env := newTestEnv(t, 0)

	genesisQC := bft.GenesisQC(testSubBlocks)
	block := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))

	env.process(t, env.leader(1), &bft.Propose{Block: block})

	votes := env.sender.qcVotes()
	if len(votes) != 1 {
		t.Fatalf("expected 1 qc-vote, got %d", len(votes))
	}
	if votes[0].Round != 1 || votes[0].Prefix != testSubBlocks {
		t.Fatalf("expected full-prefix vote for round 1, got (%d,%d)", votes[0].Round, votes[0].Prefix)
	}
	if votes[0].BlockDigest != block.Hex() {
		t.Fatalf("vote references the wrong block")
	}
	if !env.store.HasBlock(block.Hex()) {
		t.Fatalf("proposal should be stored")
	}
}

func TestFullQCAdvancesRound(t *testing.T) {
	env := newTestEnv(t, 0)

	genesisQC := bft.GenesisQC(testSubBlocks)
	block := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block})

	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 1, block.Hex(), testSubBlocks))
	}

	if env.core.Round() != 2 {
		t.Fatalf("full qc should advance to round 2, got %d", env.core.Round())
	}
	if env.core.QCHigh().Round != 1 || !env.core.QCHigh().IsFull(testSubBlocks) {
		t.Fatalf("qc high should be the full round-1 qc, got %s", env.core.QCHigh().ID())
	}

	advances := env.sender.advances()
	if len(advances) == 0 {
		t.Fatalf("advancing should be announced")
	}
	last := advances[len(advances)-1]
	if last.Round != 2 || last.Reason.Kind != bft.EntryFullPrefixQC {
		t.Fatalf("wrong advance announcement: round %d, %s", last.Round, last.Reason.Kind)
	}

	// nothing is committed yet: one chain is not enough
	if env.core.CommittedQC().Round != 0 {
		t.Fatalf("nothing should be committed after a single qc")
	}
}

func TestTwoChainCommit(t *testing.T) {
	env := newTestEnv(t, 0)

	genesisQC := bft.GenesisQC(testSubBlocks)
	block1 := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block1})
	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 1, block1.Hex(), testSubBlocks))
	}

	qc1 := env.core.QCHigh()
	if qc1.Round != 1 {
		t.Fatalf("expected round-1 qc high")
	}

	block2 := env.makeBlock(t, 2, qc1, bft.FullPrefixQCReason(qc1))
	env.process(t, env.leader(2), &bft.Propose{Block: block2})
	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 2, block2.Hex(), testSubBlocks))
	}

	// two adjacent certified rounds commit the first
	if env.core.CommittedQC().ID() != qc1.ID() {
		t.Fatalf("expected round-1 qc committed, head is %s", env.core.CommittedQC().ID())
	}
	if len(env.diss.committed) != 1 {
		t.Fatalf("expected 1 commit notification, got %d", len(env.diss.committed))
	}
	commit := env.diss.committed[0]
	if len(commit.Batches) != testSubBlocks {
		t.Fatalf("expected %d committed batches, got %d", testSubBlocks, len(commit.Batches))
	}
	if commit.Timestamp != block1.Timestamp() {
		t.Fatalf("commit should carry the block timestamp")
	}
	if env.diss.firstTs != block1.Timestamp() {
		t.Fatalf("first commit timestamp should be recorded")
	}
	if env.core.Round() != 3 {
		t.Fatalf("expected round 3 after two full qcs, got %d", env.core.Round())
	}
}

func TestPartialVoteAndMonotonicity(t *testing.T) {
	env := newTestEnv(t, 0)
	env.diss.available = 2
	env.diss.missing = []bft.NodeID{3}

	genesisQC := bft.GenesisQC(testSubBlocks)
	block := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block})

	// not fully available: no vote until the timer fires
	if len(env.sender.qcVotes()) != 0 {
		t.Fatalf("no vote should be cast before the extra wait")
	}

	if err := env.core.ProcessTimer(TimerEvent{Kind: QcVoteTimer, Round: 1}); err != nil {
		t.Fatal(err)
	}
	votes := env.sender.qcVotes()
	if len(votes) != 1 || votes[0].Prefix != 2 {
		t.Fatalf("expected a prefix-2 vote, got %v", votes)
	}
	if len(votes[0].MissingAuthors) != 1 || votes[0].MissingAuthors[0] != 3 {
		t.Fatalf("partial vote should flag the missing author")
	}

	// payload completes: the node upgrades its vote
	env.diss.available = -1
	if err := env.core.ProcessFullBlock(dissem.FullBlockAvailable{Round: 1}); err != nil {
		t.Fatal(err)
	}
	votes = env.sender.qcVotes()
	if len(votes) != 2 || votes[1].Prefix != testSubBlocks {
		t.Fatalf("expected an upgraded full vote, got %v", votes)
	}

	// a stale timer cannot lower the vote
	env.diss.available = 1
	if err := env.core.ProcessTimer(TimerEvent{Kind: QcVoteTimer, Round: 1}); err != nil {
		t.Fatal(err)
	}
	if len(env.sender.qcVotes()) != 2 {
		t.Fatalf("vote prefixes must be monotonic per round")
	}
}

func TestStaleRoundQCRequiresFullVotes(t *testing.T) {
	env := newTestEnv(t, 0)

	// catch the node up past round 3
	qc5 := env.makeQC(t, 5, "0XFA", map[bft.NodeID]int{1: 4, 2: 4, 3: 4})
	env.process(t, 1, &bft.AdvanceRound{Round: 6, Reason: bft.FullPrefixQCReason(qc5)})
	if env.core.QCHigh().Round != 5 {
		t.Fatalf("setup: qc high should be at round 5")
	}

	// a quorum of partial votes for a round already behind qc high does not
	// certify anything
	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 3, "0XAB", 1))
	}
	if env.core.knownQCs[bft.SubBlockID{Round: 3, Prefix: 1}] {
		t.Fatalf("stale-round partial votes must not form a qc")
	}

	// once enough signers attest to storing the whole payload, it does
	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 3, "0XAB", testSubBlocks))
	}
	if !env.core.knownQCs[bft.SubBlockID{Round: 3, Prefix: testSubBlocks}] {
		t.Fatalf("stale-round full votes should form a qc")
	}

	// the current round is not catch-up territory: partial votes certify
	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 6, "0XCC", 2))
	}
	if !env.core.knownQCs[bft.SubBlockID{Round: 6, Prefix: 2}] {
		t.Fatalf("current-round partial votes should form a qc")
	}
}

func TestProposeWithUnstoredParent(t *testing.T) {
	// the round-2 leader enters its round holding a qc whose block it never
	// received; it must still propose, just without ancestor exclusions
	env := newTestEnv(t, 2)

	genesisQC := bft.GenesisQC(testSubBlocks)
	block1 := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	qc1 := env.makeQC(t, 1, block1.Hex(), map[bft.NodeID]int{1: 4, 2: 4, 3: 4})

	env.process(t, 1, &bft.AdvanceRound{Round: 2, Reason: bft.FullPrefixQCReason(qc1)})

	props := env.sender.proposals()
	if len(props) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(props))
	}
	if props[0].Block.Round() != 2 {
		t.Fatalf("expected a round-2 proposal, got %d", props[0].Block.Round())
	}
	if props[0].Block.ParentQC().ID() != qc1.ID() {
		t.Fatalf("proposal should extend the round-1 qc")
	}
}

func TestTimeoutFormsTC(t *testing.T) {
	env := newTestEnv(t, 0)

	// no proposal ever arrives for round 1
	if err := env.core.ProcessTimer(TimerEvent{Kind: TimeoutTimer, Round: 1}); err != nil {
		t.Fatal(err)
	}

	tcVotes := env.sender.tcVotes()
	if len(tcVotes) != 1 {
		t.Fatalf("expected 1 timeout vote, got %d", len(tcVotes))
	}
	own := tcVotes[0]
	if own.Round != 1 || own.Reason.Kind != bft.TimeoutProposalNotReceived {
		t.Fatalf("wrong timeout vote: round %d, %s", own.Round, own.Reason.Kind)
	}
	if !own.QC.IsGenesis() {
		t.Fatalf("timeout vote should carry qc high")
	}

	// the node stays in the round until a certificate forms
	if env.core.Round() != 1 {
		t.Fatalf("timeout alone should not advance the round")
	}

	// quorum of timeout votes, own vote echoed back through the self queue
	genesisQC := bft.GenesisQC(testSubBlocks)
	env.process(t, 0, own)
	env.process(t, 1, env.makeTcVote(t, 1, 1, genesisQC, bft.TimeoutReason{Kind: bft.TimeoutProposalNotReceived}))
	env.process(t, 2, env.makeTcVote(t, 2, 1, genesisQC, bft.TimeoutReason{Kind: bft.TimeoutProposalNotReceived}))

	if env.core.Round() != 2 {
		t.Fatalf("tc should advance to round 2, got %d", env.core.Round())
	}

	advances := env.sender.advances()
	last := advances[len(advances)-1]
	if last.Reason.Kind != bft.EntryTC {
		t.Fatalf("expected tc entry reason, got %s", last.Reason.Kind)
	}
	if last.Reason.TC.Reason.Kind != bft.TimeoutProposalNotReceived {
		t.Fatalf("tc should aggregate the plurality reason, got %s", last.Reason.TC.Reason.Kind)
	}
}

func TestTimeoutFencesQcVotes(t *testing.T) {
	env := newTestEnv(t, 0)

	if err := env.core.ProcessTimer(TimerEvent{Kind: TimeoutTimer, Round: 1}); err != nil {
		t.Fatal(err)
	}

	// a late proposal for the timed-out round must not be voted for
	genesisQC := bft.GenesisQC(testSubBlocks)
	block := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block})

	if len(env.sender.qcVotes()) != 0 {
		t.Fatalf("no qc-vote may be cast in a timed-out round")
	}
}

func TestTimeoutClassifiesPayloadUnavailable(t *testing.T) {
	env := newTestEnv(t, 0)
	env.diss.available = 2
	env.diss.complete = false
	env.diss.missing = []bft.NodeID{2}

	genesisQC := bft.GenesisQC(testSubBlocks)
	block := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block})

	if err := env.core.ProcessTimer(TimerEvent{Kind: TimeoutTimer, Round: 1}); err != nil {
		t.Fatal(err)
	}

	tcVotes := env.sender.tcVotes()
	if len(tcVotes) != 1 {
		t.Fatalf("expected 1 timeout vote, got %d", len(tcVotes))
	}
	if tcVotes[0].Reason.Kind != bft.TimeoutPayloadUnavailable {
		t.Fatalf("expected PayloadUnavailable, got %s", tcVotes[0].Reason.Kind)
	}
	if len(tcVotes[0].Reason.MissingAuthors) != 1 || tcVotes[0].Reason.MissingAuthors[0] != 2 {
		t.Fatalf("timeout reason should flag the missing author")
	}
}

func TestTimeoutBackoff(t *testing.T) {
	env := newTestEnv(t, 0)

	if env.core.roundTimeout() != env.conf.LeaderTimeout {
		t.Fatalf("fresh rounds use the base timeout")
	}

	// a timed-out round stretches the next wait by one delta
	if err := env.core.ProcessTimer(TimerEvent{Kind: TimeoutTimer, Round: 1}); err != nil {
		t.Fatal(err)
	}
	if env.core.roundTimeout() != env.conf.LeaderTimeout+env.conf.Delta {
		t.Fatalf("timeout should stretch the next round's wait")
	}

	// entering the next round through a tc keeps the backoff
	genesisQC := bft.GenesisQC(testSubBlocks)
	own := env.sender.tcVotes()[0]
	env.process(t, 0, own)
	env.process(t, 1, env.makeTcVote(t, 1, 1, genesisQC, bft.TimeoutReason{Kind: bft.TimeoutProposalNotReceived}))
	env.process(t, 2, env.makeTcVote(t, 2, 1, genesisQC, bft.TimeoutReason{Kind: bft.TimeoutProposalNotReceived}))
	if env.core.Round() != 2 {
		t.Fatalf("setup: tc should advance to round 2")
	}
	if env.core.roundTimeout() != env.conf.LeaderTimeout+env.conf.Delta {
		t.Fatalf("a tc entry should keep the backoff")
	}

	// a certified round resets it
	reason := env.sender.advances()[len(env.sender.advances())-1].Reason
	block2 := bft.NewBlock(2, env.leader(2), *reason.BestQC(), reason, *bft.NewEmptyPayload(testSubBlocks), 2)
	if err := block2.Sign(env.validators[env.leader(2)]); err != nil {
		t.Fatal(err)
	}
	env.process(t, env.leader(2), &bft.Propose{Block: block2})
	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 2, block2.Hex(), testSubBlocks))
	}
	if env.core.Round() != 3 {
		t.Fatalf("setup: full qc should advance to round 3")
	}
	if env.core.roundTimeout() != env.conf.LeaderTimeout {
		t.Fatalf("a qc entry should reset the backoff")
	}
}

func TestTimeoutClassifiesNoQC(t *testing.T) {
	// payload is complete but the node never got to vote before the timeout
	env := newTestEnv(t, 0)
	env.diss.available = 2
	env.diss.complete = true

	genesisQC := bft.GenesisQC(testSubBlocks)
	block := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block})

	if err := env.core.ProcessTimer(TimerEvent{Kind: TimeoutTimer, Round: 1}); err != nil {
		t.Fatal(err)
	}

	tcVotes := env.sender.tcVotes()
	if len(tcVotes) != 1 {
		t.Fatalf("expected 1 timeout vote, got %d", len(tcVotes))
	}
	if tcVotes[0].Reason.Kind != bft.TimeoutNoQC {
		t.Fatalf("expected NoQC, got %s", tcVotes[0].Reason.Kind)
	}
}

func TestCCCommitsMinPrefix(t *testing.T) {
	env := newTestEnv(t, 0)

	genesisQC := bft.GenesisQC(testSubBlocks)
	block := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block})

	// three commit votes embedding qcs of different prefixes
	prefixes := map[bft.NodeID]int{1: 2, 2: 3, 3: 4}
	for _, voter := range []bft.NodeID{1, 2, 3} {
		qc := env.makeQC(t, 1, block.Hex(), map[bft.NodeID]int{
			1: prefixes[voter],
			2: prefixes[voter],
			3: prefixes[voter],
		})
		env.process(t, voter, env.makeCcVote(t, voter, qc))
	}

	// the committed prefix is the minimum among the retained quorum
	head := env.core.CommittedQC()
	if head.Round != 1 || head.Prefix != 2 {
		t.Fatalf("expected commit of (1,2), got %s", head.ID())
	}
	if len(env.diss.committed) != 1 {
		t.Fatalf("expected 1 commit notification, got %d", len(env.diss.committed))
	}
	if len(env.diss.committed[0].Batches) != 2 {
		t.Fatalf("expected the 2 batches of the committed prefix, got %d", len(env.diss.committed[0].Batches))
	}
}

func TestPrefixExtensionCommit(t *testing.T) {
	env := newTestEnv(t, 0)

	genesisQC := bft.GenesisQC(testSubBlocks)
	block1 := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block1})

	// a partial qc commits prefix 2 through the cc path
	for _, voter := range []bft.NodeID{1, 2, 3} {
		qc := env.makeQC(t, 1, block1.Hex(), map[bft.NodeID]int{1: 2, 2: 2, 3: 2})
		env.process(t, voter, env.makeCcVote(t, voter, qc))
	}
	if env.core.CommittedQC().Prefix != 2 {
		t.Fatalf("expected committed prefix 2, got %d", env.core.CommittedQC().Prefix)
	}

	// a later two-chain commit over the full qc extends the prefix
	qcFull := env.makeQC(t, 1, block1.Hex(), map[bft.NodeID]int{1: 4, 2: 4, 3: 4})
	block2 := env.makeBlock(t, 2, qcFull, bft.FullPrefixQCReason(qcFull))
	env.process(t, env.leader(2), &bft.Propose{Block: block2})
	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 2, block2.Hex(), testSubBlocks))
	}

	if env.core.CommittedQC().ID() != qcFull.ID() {
		t.Fatalf("expected full round-1 qc committed, head is %s", env.core.CommittedQC().ID())
	}

	// only the extension batches are re-notified
	if len(env.diss.committed) != 2 {
		t.Fatalf("expected 2 commit notifications, got %d", len(env.diss.committed))
	}
	if len(env.diss.committed[1].Batches) != 2 {
		t.Fatalf("extension should commit the remaining 2 batches, got %d", len(env.diss.committed[1].Batches))
	}
}

func TestConflictingCommitIsFatal(t *testing.T) {
	env := newTestEnv(t, 0)

	genesisQC := bft.GenesisQC(testSubBlocks)
	block1 := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block1})
	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 1, block1.Hex(), testSubBlocks))
	}
	qc1 := env.core.QCHigh()

	block2 := env.makeBlock(t, 2, qc1, bft.FullPrefixQCReason(qc1))
	env.process(t, env.leader(2), &bft.Propose{Block: block2})
	for _, voter := range []bft.NodeID{1, 2, 3} {
		env.process(t, voter, env.makeQcVote(t, voter, 2, block2.Hex(), testSubBlocks))
	}
	if env.core.CommittedQC().ID() != qc1.ID() {
		t.Fatalf("setup: round 1 should be committed")
	}

	// re-committing an ancestor is a no-op
	if err := env.core.commitQC(qc1); err != nil {
		t.Fatalf("re-committing the head should be a no-op, got %v", err)
	}
	if err := env.core.commitQC(genesisQC); err != nil {
		t.Fatalf("committing a committed ancestor should be a no-op, got %v", err)
	}
	if len(env.diss.committed) != 1 {
		t.Fatalf("no-op commits must not notify")
	}

	// a conflicting certificate at a committed round is fatal
	conflict := env.makeQC(t, 1, "0XDEAD", map[bft.NodeID]int{1: 4, 2: 4, 3: 4})
	err := env.core.commitQC(conflict)
	if err == nil {
		t.Fatalf("conflicting commit should fail")
	}
	if !bft.IsSafetyViolation(err) {
		t.Fatalf("conflicting commit should be a safety violation, got %v", err)
	}
}

func TestFetchMissingBlock(t *testing.T) {
	env := newTestEnv(t, 0)

	// a certificate arrives for a block this node never received
	genesisQC := bft.GenesisQC(testSubBlocks)
	block1 := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	qc1 := env.makeQC(t, 1, block1.Hex(), map[bft.NodeID]int{1: 4, 2: 4, 3: 4})

	env.process(t, 1, &bft.AdvanceRound{Round: 2, Reason: bft.FullPrefixQCReason(qc1)})

	if env.core.Round() != 2 {
		t.Fatalf("the certificate should advance the round")
	}

	// a fetch was sent to the qc's signers
	if len(env.sender.directs) == 0 {
		t.Fatalf("a fetch request should have been sent")
	}
	for _, d := range env.sender.directs {
		req, ok := d.msg.(*bft.FetchReq)
		if !ok {
			t.Fatalf("expected a fetch request, got %T", d.msg)
		}
		if req.BlockDigest != block1.Hex() {
			t.Fatalf("fetch references the wrong block")
		}
		if d.to == env.self {
			t.Fatalf("never fetch from self")
		}
	}

	// the response stores and satisfies the block
	env.process(t, 1, &bft.FetchResp{Block: block1})
	if !env.store.HasBlock(block1.Hex()) {
		t.Fatalf("fetched block should be stored")
	}

	// the fetch retry timer finds the block and stops
	sent := len(env.sender.directs)
	if err := env.core.ProcessTimer(TimerEvent{Kind: FetchBlockTimer, BlockDigest: block1.Hex()}); err != nil {
		t.Fatal(err)
	}
	if len(env.sender.directs) != sent {
		t.Fatalf("no retry once the block is stored")
	}
}

func TestServeFetchRequests(t *testing.T) {
	env := newTestEnv(t, 0)

	genesisQC := bft.GenesisQC(testSubBlocks)
	block := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block})

	env.process(t, 2, &bft.FetchReq{BlockDigest: block.Hex()})

	found := false
	for _, d := range env.sender.directs {
		if resp, ok := d.msg.(*bft.FetchResp); ok {
			if d.to != 2 {
				t.Fatalf("response should go to the requester")
			}
			if resp.Block.Hex() != block.Hex() {
				t.Fatalf("wrong block served")
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("stored blocks should be served")
	}

	// unknown digests are silently ignored
	before := len(env.sender.directs)
	env.process(t, 2, &bft.FetchReq{BlockDigest: "0XNOPE"})
	if len(env.sender.directs) != before {
		t.Fatalf("unknown digests should not be answered")
	}
}

func TestRoundSyncRebroadcast(t *testing.T) {
	env := newTestEnv(t, 0)

	if err := env.core.ProcessTimer(TimerEvent{Kind: RoundSyncTimer}); err != nil {
		t.Fatal(err)
	}

	advances := env.sender.advances()
	if len(advances) == 0 {
		t.Fatalf("round sync should rebroadcast readiness")
	}
	last := advances[len(advances)-1]
	if last.Round != 1 || last.Reason.Kind != bft.EntryFullPrefixQC {
		t.Fatalf("wrong round sync announcement: round %d, %s", last.Round, last.Reason.Kind)
	}

	// when stuck in a timed-out round, the tc vote is re-sent too
	if err := env.core.ProcessTimer(TimerEvent{Kind: TimeoutTimer, Round: 1}); err != nil {
		t.Fatal(err)
	}
	if err := env.core.ProcessTimer(TimerEvent{Kind: RoundSyncTimer}); err != nil {
		t.Fatal(err)
	}
	if len(env.sender.tcVotes()) != 2 {
		t.Fatalf("round sync should re-send the timeout vote")
	}
}

func TestEquivocatingProposalsIgnored(t *testing.T) {
	env := newTestEnv(t, 0)

	genesisQC := bft.GenesisQC(testSubBlocks)
	block := env.makeBlock(t, 1, genesisQC, bft.FullPrefixQCReason(genesisQC))
	env.process(t, env.leader(1), &bft.Propose{Block: block})

	// a second, different proposal for the same round
	other := bft.NewBlock(1, env.leader(1), *genesisQC, bft.FullPrefixQCReason(genesisQC), *bft.NewEmptyPayload(testSubBlocks), 99)
	if err := other.Sign(env.validators[env.leader(1)]); err != nil {
		t.Fatal(err)
	}
	env.process(t, env.leader(1), &bft.Propose{Block: other})

	votes := env.sender.qcVotes()
	if len(votes) != 1 {
		t.Fatalf("only the first proposal gets a vote, got %d", len(votes))
	}
	if votes[0].BlockDigest != block.Hex() {
		t.Fatalf("the first proposal should win")
	}
}

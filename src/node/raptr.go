package node

import (
	"math/rand"
	"sort"
	"time"

	"github.com/raptrnet/raptr/src/bft"
	"github.com/raptrnet/raptr/src/config"
	"github.com/raptrnet/raptr/src/dissem"
	"github.com/raptrnet/raptr/src/net"
	"github.com/raptrnet/raptr/src/peers"
	"github.com/sirupsen/logrus"
)

// sender is the core's outbound interface. The Node implements it over the
// transport; tests implement it with an in-memory recorder.
type sender interface {
	// multicast delivers a message to every validator, including this one.
	multicast(msg bft.Message)
	// sendTo delivers a message to a single validator.
	sendTo(id bft.NodeID, msg bft.Message)
}

// commitStep is one block of a commit walk: the batches in sub-blocks
// [from, to) become final.
type commitStep struct {
	block *bft.Block
	from  int
	to    int
}

/*
Raptr is the consensus state machine. It is driven exclusively by the Node's
event loop, one event at a time, so none of its state needs locking. It
tracks three round marks:

  rReady   - the highest round it holds a certificate to enter
  rCur     - the round it is currently in (never above rReady)
  rTimeout - the highest round it voted to time out

and two certificate high-water marks: qcHigh, the highest QC it has seen,
and committedQC, the head of the committed chain.
*/
type Raptr struct {
	validator *Validator
	peers     *peers.PeerSet
	store     bft.Store
	dissem    dissem.Disseminator
	timers    *timerScheduler
	sender    sender

	quorum             int
	nSubBlocks         int
	storageRequirement int

	leaderTimeout        time.Duration
	delta                time.Duration
	extraWaitBeforeVote  time.Duration
	enableCommitVotes    bool
	enablePartialQCVotes bool
	blockFetchInterval   time.Duration
	blockFetchMultiplier int
	roundSyncInterval    time.Duration

	rReady      bft.Round
	entryReason bft.RoundEntryReason
	rCur        bft.Round
	rTimeout    bft.Round

	// timeoutStreak counts consecutive rounds entered after a timeout; it
	// stretches the next round's timeout by delta per step.
	timeoutStreak int

	qcHigh      *bft.QC
	committedQC *bft.QC

	// lastQCVote enforces QC-vote monotonicity: a new vote's (round, prefix)
	// id must be strictly above it.
	lastQCVote bft.SubBlockID

	// lastTcVote is retained for the round-sync rebroadcast.
	lastTcVote *bft.TcVote

	proposals map[bft.Round]*bft.Block

	knownQCs     map[bft.SubBlockID]bool
	qcsByDigest  map[string][]*bft.QC
	satisfiedQCs map[bft.SubBlockID]bool

	// satisfiedBlocks marks blocks whose whole ancestor chain is locally
	// stored; satisfyWaiters parks blocks waiting on a missing parent.
	satisfiedBlocks map[string]bool
	satisfyWaiters  map[string][]*bft.Block

	// qcVotes tallies QC-votes per round and block digest; formedPrefix is
	// the highest prefix already certified per round.
	qcVotes      map[bft.Round]map[string]map[bft.NodeID]bft.PrefixVote
	formedPrefix map[bft.Round]int

	ccVoted  map[bft.Round]bool
	ccVotes  map[bft.Round]map[bft.NodeID]bft.CommitVote
	ccFormed map[bft.Round]bool

	tcVotes  map[bft.Round]map[bft.NodeID]bft.TimeoutVote
	tcFormed map[bft.Round]bool

	// qcsToCommit holds satisfied QCs awaiting commit, lowest id first;
	// pendingCommit holds QC ids to commit once their block is satisfied.
	qcsToCommit   []*bft.QC
	pendingCommit map[bft.SubBlockID]*bft.QC

	commitCount int
	batchCount  int

	logger *logrus.Entry
}

// NewRaptr instantiates the consensus core.
func NewRaptr(
	validator *Validator,
	peerSet *peers.PeerSet,
	store bft.Store,
	diss dissem.Disseminator,
	conf *config.Config,
	timers *timerScheduler,
	snd sender,
	logger *logrus.Entry,
) *Raptr {
	return &Raptr{
		validator: validator,
		peers:     peerSet,
		store:     store,
		dissem:    diss,
		timers:    timers,
		sender:    snd,

		quorum:             conf.Quorum(peerSet.Len()),
		nSubBlocks:         conf.NSubBlocks,
		storageRequirement: conf.StorageRequirement,

		leaderTimeout:        conf.LeaderTimeout,
		delta:                conf.Delta,
		extraWaitBeforeVote:  conf.ExtraWaitBeforeQCVote,
		enableCommitVotes:    conf.EnableCommitVotes,
		enablePartialQCVotes: conf.EnablePartialQCVotes,
		blockFetchInterval:   conf.BlockFetchInterval,
		blockFetchMultiplier: conf.BlockFetchMultiplicity,
		roundSyncInterval:    conf.RoundSyncInterval,

		proposals: make(map[bft.Round]*bft.Block),

		knownQCs:     make(map[bft.SubBlockID]bool),
		qcsByDigest:  make(map[string][]*bft.QC),
		satisfiedQCs: make(map[bft.SubBlockID]bool),

		satisfiedBlocks: make(map[string]bool),
		satisfyWaiters:  make(map[string][]*bft.Block),

		qcVotes:      make(map[bft.Round]map[string]map[bft.NodeID]bft.PrefixVote),
		formedPrefix: make(map[bft.Round]int),

		ccVoted:  make(map[bft.Round]bool),
		ccVotes:  make(map[bft.Round]map[bft.NodeID]bft.CommitVote),
		ccFormed: make(map[bft.Round]bool),

		tcVotes:  make(map[bft.Round]map[bft.NodeID]bft.TimeoutVote),
		tcFormed: make(map[bft.Round]bool),

		pendingCommit: make(map[bft.SubBlockID]*bft.QC),

		logger: logger,
	}
}

// Init seeds the genesis state and enters round 1. The genesis QC is the
// entry certificate every node starts from.
func (r *Raptr) Init() error {
	genesisQC := bft.GenesisQC(r.nSubBlocks)
	genesisBlock := bft.GenesisBlock(r.nSubBlocks)

	r.store.SetBlock(genesisBlock)
	r.satisfiedBlocks[genesisBlock.Hex()] = true
	r.knownQCs[genesisQC.ID()] = true
	r.satisfiedQCs[genesisQC.ID()] = true

	r.qcHigh = genesisQC
	r.committedQC = genesisQC

	r.rReady = 1
	r.entryReason = bft.FullPrefixQCReason(genesisQC)

	r.timers.Schedule(r.roundSyncInterval, TimerEvent{Kind: RoundSyncTimer})

	return r.enterRound()
}

// Round returns the current round.
func (r *Raptr) Round() bft.Round {
	return r.rCur
}

// ReadyRound returns the highest round the node holds a certificate to
// enter.
func (r *Raptr) ReadyRound() bft.Round {
	return r.rReady
}

// CommittedQC returns the head of the committed chain.
func (r *Raptr) CommittedQC() *bft.QC {
	return r.committedQC
}

// QCHigh returns the highest QC seen.
func (r *Raptr) QCHigh() *bft.QC {
	return r.qcHigh
}

// CommitCount returns the number of committed blocks.
func (r *Raptr) CommitCount() int {
	return r.commitCount
}

// BatchCount returns the number of committed batches.
func (r *Raptr) BatchCount() int {
	return r.batchCount
}

// ProcessMessage dispatches a verified inbound message.
func (r *Raptr) ProcessMessage(env net.Envelope) error {
	var err error
	switch m := env.Message.(type) {
	case *bft.Propose:
		err = r.onPropose(env.From, m)
	case *bft.QcVote:
		err = r.onQcVote(env.From, m)
	case *bft.CcVote:
		err = r.onCcVote(env.From, m)
	case *bft.TcVote:
		err = r.onTcVote(env.From, m)
	case *bft.AdvanceRound:
		err = r.onAdvanceRound(m)
	case *bft.FetchReq:
		err = r.onFetchReq(env.From, m)
	case *bft.FetchResp:
		err = r.onFetchResp(m)
	}
	if err != nil {
		return err
	}
	return r.drainCommits()
}

// ProcessTimer dispatches a timer event.
func (r *Raptr) ProcessTimer(ev TimerEvent) error {
	var err error
	switch ev.Kind {
	case QcVoteTimer:
		err = r.onQcVoteTimer(ev.Round)
	case TimeoutTimer:
		err = r.onTimeout(ev.Round)
	case FetchBlockTimer:
		err = r.onFetchTimer(ev.BlockDigest)
	case RoundSyncTimer:
		err = r.onRoundSync()
	}
	if err != nil {
		return err
	}
	return r.drainCommits()
}

// ProcessFullBlock handles a payload-complete event from the dissemination
// layer.
func (r *Raptr) ProcessFullBlock(ev dissem.FullBlockAvailable) error {
	block, ok := r.proposals[ev.Round]
	if !ok || ev.Round != r.rCur || ev.Round <= r.rTimeout {
		return nil
	}
	return r.castQcVote(ev.Round, block.Hex(), r.nSubBlocks, nil)
}

/*******************************************************************************
Round progression
*******************************************************************************/

// advanceRound raises the ready round if the reason justifies a higher
// target, announces it, and enters the round if the node was not already
// past it.
func (r *Raptr) advanceRound(reason bft.RoundEntryReason) error {
	target := reason.Target()
	if target <= r.rReady {
		return nil
	}

	r.rReady = target
	r.entryReason = reason

	r.logger.WithFields(logrus.Fields{
		"round":  target,
		"reason": reason.Kind.String(),
	}).Debug("Advancing round")

	r.sender.multicast(&bft.AdvanceRound{Round: target, Reason: reason})

	if r.rReady > r.rCur {
		return r.enterRound()
	}
	return nil
}

// enterRound moves into the ready round, arms the round timeout, and
// proposes if this node is the leader.
func (r *Raptr) enterRound() error {
	r.rCur = r.rReady

	if r.entryReason.Kind != bft.EntryTC {
		r.timeoutStreak = 0
	}

	r.timers.Schedule(r.roundTimeout(), TimerEvent{Kind: TimeoutTimer, Round: r.rCur})

	leader := r.peers.Leader(r.rCur)
	if leader.ID == r.validator.NodeID() {
		return r.propose()
	}
	return nil
}

// roundTimeout paces the round: each consecutive timed-out round stretches
// the wait by one delta, giving a struggling network progressively more time.
func (r *Raptr) roundTimeout() time.Duration {
	return r.leaderTimeout + time.Duration(r.timeoutStreak)*r.delta
}

// propose assembles, signs, and multicasts this round's block. The block
// extends the entry reason's best QC; batches proposed by uncommitted
// ancestors are excluded from the new payload.
func (r *Raptr) propose() error {
	parent := r.entryReason.BestQC()

	var exclude []bft.BatchRef
	steps, err := r.chainSteps(parent)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"parent": parent.ID().String(),
			"error":  err,
		}).Warn("Cannot walk uncommitted ancestors, proposing without exclusions")
	}
	for _, st := range steps {
		exclude = append(exclude, st.block.Payload().BatchesInRange(st.from, st.to)...)
	}

	var missingAuthors []bft.NodeID
	if r.entryReason.Kind == bft.EntryTC {
		missingAuthors = r.entryReason.TC.Reason.MissingAuthors
	}

	payload, err := r.dissem.PrepareBlock(r.rCur, exclude, missingAuthors)
	if err != nil {
		return err
	}

	block := bft.NewBlock(
		r.rCur,
		r.validator.NodeID(),
		*parent,
		r.entryReason,
		*payload,
		time.Now().UnixNano(),
	)
	if err := block.Sign(r.validator); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"round":  r.rCur,
		"block":  block.Hex(),
		"parent": parent.ID().String(),
	}).Debug("Proposing")

	r.sender.multicast(&bft.Propose{Block: block})

	return nil
}

/*******************************************************************************
Proposals and QC votes
*******************************************************************************/

func (r *Raptr) onPropose(from bft.NodeID, m *bft.Propose) error {
	block := m.Block
	round := block.Round()

	// first proposal per round wins; equivocations are dropped
	if _, ok := r.proposals[round]; ok {
		return nil
	}
	if block.ParentQC().Round >= round {
		return nil
	}
	if block.Body.Reason.Target() != round {
		return nil
	}

	r.proposals[round] = block
	if err := r.store.SetBlock(block); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"round":  round,
		"author": block.Author(),
		"block":  block.Hex(),
	}).Debug("Proposal")

	if err := r.onNewQC(block.ParentQC()); err != nil {
		return err
	}
	if err := r.advanceRound(block.Body.Reason); err != nil {
		return err
	}
	if err := r.trySatisfy(block); err != nil {
		return err
	}

	r.dissem.NotifyProposal(round, block.Payload())

	if round == r.rCur && round > r.rTimeout {
		prefix, _ := r.dissem.AvailablePrefix(block.Payload(), r.nSubBlocks)
		if prefix >= r.nSubBlocks {
			return r.castQcVote(round, block.Hex(), r.nSubBlocks, nil)
		}
		if r.enablePartialQCVotes {
			r.timers.Schedule(r.extraWaitBeforeVote, TimerEvent{Kind: QcVoteTimer, Round: round})
		}
	}

	return nil
}

// onQcVoteTimer casts a partial QC-vote for whatever prefix of the current
// proposal is locally available.
func (r *Raptr) onQcVoteTimer(round bft.Round) error {
	if round != r.rCur || round <= r.rTimeout {
		return nil
	}
	block, ok := r.proposals[round]
	if !ok {
		return nil
	}
	prefix, missing := r.dissem.AvailablePrefix(block.Payload(), r.nSubBlocks)
	return r.castQcVote(round, block.Hex(), prefix, missing)
}

// castQcVote signs and multicasts a QC-vote, subject to monotonicity and the
// timeout fence: a node never QC-votes in a round it voted to time out.
func (r *Raptr) castQcVote(round bft.Round, blockDigest string, prefix int, missingAuthors []bft.NodeID) error {
	if round <= r.rTimeout {
		return nil
	}
	id := bft.SubBlockID{Round: round, Prefix: prefix}
	if !r.lastQCVote.Less(id) {
		return nil
	}

	sig, err := r.validator.SignTagged(bft.TagQCVote, bft.QcVoteData(round, blockDigest, prefix))
	if err != nil {
		return err
	}

	r.lastQCVote = id

	r.logger.WithFields(logrus.Fields{
		"round":  round,
		"prefix": prefix,
	}).Debug("QC-vote")

	r.sender.multicast(&bft.QcVote{
		Round:          round,
		Prefix:         prefix,
		BlockDigest:    blockDigest,
		Signature:      sig,
		MissingAuthors: missingAuthors,
	})

	return nil
}

func (r *Raptr) onQcVote(from bft.NodeID, m *bft.QcVote) error {
	byDigest, ok := r.qcVotes[m.Round]
	if !ok {
		byDigest = make(map[string]map[bft.NodeID]bft.PrefixVote)
		r.qcVotes[m.Round] = byDigest
	}
	votes, ok := byDigest[m.BlockDigest]
	if !ok {
		votes = make(map[bft.NodeID]bft.PrefixVote)
		byDigest[m.BlockDigest] = votes
	}

	// per-voter prefixes only ever grow
	if prev, ok := votes[from]; ok && prev.Prefix >= m.Prefix {
		return nil
	}
	votes[from] = bft.PrefixVote{
		Prefix:         m.Prefix,
		Signature:      m.Signature,
		MissingAuthors: m.MissingAuthors,
	}

	if len(votes) < r.quorum {
		return nil
	}

	// a round already behind qcHigh is catch-up territory: only certify it
	// once enough signers attest to storing the whole payload
	if r.qcHigh.Round > m.Round {
		full := 0
		for _, v := range votes {
			if v.Prefix >= r.nSubBlocks {
				full++
			}
		}
		if full < r.storageRequirement {
			return nil
		}
	}

	// aggregate the quorum of highest prefixes; the certified prefix is
	// their minimum
	voters := make([]bft.NodeID, 0, len(votes))
	for id := range votes {
		voters = append(voters, id)
	}
	sort.Slice(voters, func(i, j int) bool {
		if votes[voters[i]].Prefix != votes[voters[j]].Prefix {
			return votes[voters[i]].Prefix > votes[voters[j]].Prefix
		}
		return voters[i] < voters[j]
	})

	subset := make(map[bft.NodeID]bft.PrefixVote, r.quorum)
	for _, id := range voters[:r.quorum] {
		subset[id] = votes[id]
	}

	certified := votes[voters[r.quorum-1]].Prefix
	formed, ok := r.formedPrefix[m.Round]
	if ok && certified <= formed {
		return nil
	}

	qc := bft.NewQCFromVotes(m.Round, m.BlockDigest, subset, r.storageRequirement)
	r.formedPrefix[m.Round] = qc.Prefix

	r.logger.WithFields(logrus.Fields{
		"round":  qc.Round,
		"prefix": qc.Prefix,
		"full":   qc.FullPrefixVotes(r.nSubBlocks),
	}).Debug("QC formed")

	return r.onNewQC(qc)
}

/*******************************************************************************
Certificates
*******************************************************************************/

// onNewQC folds a QC into the node's state: it raises qcHigh, triggers the
// commit vote, advances the round, and starts a block fetch if the certified
// block is not locally stored. QCs arrive here from every path that carries
// one.
func (r *Raptr) onNewQC(qc *bft.QC) error {
	if qc == nil {
		return nil
	}
	id := qc.ID()
	if r.knownQCs[id] {
		return nil
	}
	r.knownQCs[id] = true
	r.qcsByDigest[qc.BlockDigest] = append(r.qcsByDigest[qc.BlockDigest], qc)

	if r.qcHigh.ID().Less(id) {
		r.qcHigh = qc
	}

	if r.enableCommitVotes && !qc.IsGenesis() && qc.Round > r.rTimeout && !r.ccVoted[qc.Round] {
		sig, err := r.validator.SignTagged(bft.TagCCVote, bft.CcVoteData(qc.Round, qc.BlockDigest, qc.Prefix))
		if err != nil {
			return err
		}
		r.ccVoted[qc.Round] = true
		r.sender.multicast(&bft.CcVote{QC: qc, Signature: sig})
	}

	if r.store.HasBlock(qc.BlockDigest) {
		block, err := r.store.GetBlock(qc.BlockDigest)
		if err != nil {
			return err
		}
		r.dissem.NotifyQC(qc, block.Payload())
		if r.satisfiedBlocks[qc.BlockDigest] {
			if err := r.onQCSatisfied(qc); err != nil {
				return err
			}
		}
	} else if !qc.IsGenesis() {
		r.sendFetchReq(qc.BlockDigest)
		r.timers.Schedule(r.blockFetchInterval, TimerEvent{Kind: FetchBlockTimer, BlockDigest: qc.BlockDigest})
	}

	if qc.IsFull(r.nSubBlocks) {
		return r.advanceRound(bft.FullPrefixQCReason(qc))
	}
	return r.advanceRound(bft.ThisRoundQCReason(qc))
}

func (r *Raptr) onCcVote(from bft.NodeID, m *bft.CcVote) error {
	if err := r.onNewQC(m.QC); err != nil {
		return err
	}

	round := m.QC.Round
	if r.ccFormed[round] {
		return nil
	}

	votes, ok := r.ccVotes[round]
	if !ok {
		votes = make(map[bft.NodeID]bft.CommitVote)
		r.ccVotes[round] = votes
	}
	if prev, ok := votes[from]; ok && !prev.QC.ID().Less(m.QC.ID()) {
		return nil
	}
	votes[from] = bft.CommitVote{Voter: from, QC: m.QC, Signature: m.Signature}

	if len(votes) < r.quorum {
		return nil
	}

	// retain the quorum of highest-prefix votes; the committed prefix is
	// their minimum
	all := make([]bft.CommitVote, 0, len(votes))
	for _, v := range votes {
		all = append(all, v)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].QC.Prefix != all[j].QC.Prefix {
			return all[i].QC.Prefix > all[j].QC.Prefix
		}
		return all[i].Voter < all[j].Voter
	})
	retained := all[:r.quorum]

	cc := bft.NewCCFromVotes(round, retained)
	r.ccFormed[round] = true

	maxQC := retained[0].QC
	minQC := retained[len(retained)-1].QC

	r.logger.WithFields(logrus.Fields{
		"round":  round,
		"prefix": cc.MinPrefix(),
	}).Debug("CC formed")

	if r.committedQC.ID().Less(minQC.ID()) {
		if r.satisfiedBlocks[minQC.BlockDigest] {
			r.enqueueCommit(minQC)
		} else {
			r.pendingCommit[minQC.ID()] = minQC
		}
	}

	return r.advanceRound(bft.CCReason(cc, maxQC))
}

func (r *Raptr) onTcVote(from bft.NodeID, m *bft.TcVote) error {
	if err := r.onNewQC(m.QC); err != nil {
		return err
	}

	if m.Round < r.rCur || r.tcFormed[m.Round] {
		return nil
	}

	votes, ok := r.tcVotes[m.Round]
	if !ok {
		votes = make(map[bft.NodeID]bft.TimeoutVote)
		r.tcVotes[m.Round] = votes
	}
	if _, ok := votes[from]; ok {
		return nil
	}
	votes[from] = bft.TimeoutVote{Voter: from, QC: m.QC, Signature: m.Signature, Reason: m.Reason}

	if len(votes) < r.quorum {
		return nil
	}

	all := make([]bft.TimeoutVote, 0, len(votes))
	for _, v := range votes {
		all = append(all, v)
	}

	tc := bft.NewTCFromVotes(m.Round, all, r.quorum)
	maxQC := bft.MaxVote(all)
	r.tcFormed[m.Round] = true

	r.logger.WithFields(logrus.Fields{
		"round":  tc.Round,
		"reason": tc.Reason.Kind.String(),
	}).Debug("TC formed")

	return r.advanceRound(bft.TCReason(tc, maxQC))
}

func (r *Raptr) onAdvanceRound(m *bft.AdvanceRound) error {
	if qc := m.Reason.BestQC(); qc != nil {
		if err := r.onNewQC(qc); err != nil {
			return err
		}
	}
	return r.advanceRound(m.Reason)
}

/*******************************************************************************
Timeouts
*******************************************************************************/

// onTimeout fires when the current round has lasted LeaderTimeout. The node
// classifies the failure, votes to time the round out, and stops QC-voting
// in it, but stays in the round until a certificate moves it on.
func (r *Raptr) onTimeout(round bft.Round) error {
	if round != r.rCur || round <= r.rTimeout {
		return nil
	}

	r.rTimeout = round
	r.timeoutStreak++
	reason := r.classifyTimeout(round)

	sig, err := r.validator.SignTagged(bft.TagTCVote, bft.TcVoteData(round, r.qcHigh.ID()))
	if err != nil {
		return err
	}

	vote := &bft.TcVote{
		Round:     round,
		QC:        r.qcHigh,
		Signature: sig,
		Reason:    reason,
	}
	r.lastTcVote = vote

	r.logger.WithFields(logrus.Fields{
		"round":  round,
		"reason": reason.Kind.String(),
	}).Warn("Round timeout")

	r.sender.multicast(vote)

	return nil
}

// classifyTimeout explains why the round failed from this node's
// perspective. The classification is only meaningful if the node never got
// to QC-vote in the round.
func (r *Raptr) classifyTimeout(round bft.Round) bft.TimeoutReason {
	if r.lastQCVote.Round == round {
		return bft.TimeoutReason{Kind: bft.TimeoutUnknown}
	}
	block, ok := r.proposals[round]
	if !ok {
		return bft.TimeoutReason{Kind: bft.TimeoutProposalNotReceived}
	}
	complete, missing := r.dissem.CheckPayload(block.Payload())
	if !complete {
		return bft.TimeoutReason{Kind: bft.TimeoutPayloadUnavailable, MissingAuthors: missing}
	}
	return bft.TimeoutReason{Kind: bft.TimeoutNoQC}
}

// onRoundSync periodically rebroadcasts the node's round readiness, and its
// timeout vote if it is stuck in a timed-out round. This is what lets
// certificates eventually form over a lossy network.
func (r *Raptr) onRoundSync() error {
	r.sender.multicast(&bft.AdvanceRound{Round: r.rReady, Reason: r.entryReason})

	if r.lastTcVote != nil && r.rTimeout == r.rCur {
		r.sender.multicast(r.lastTcVote)
	}

	r.timers.Schedule(r.roundSyncInterval, TimerEvent{Kind: RoundSyncTimer})
	return nil
}

/*******************************************************************************
Block fetch
*******************************************************************************/

// sendFetchReq asks a sample of validators known to store the block for it.
// The candidates are the signers of the QCs referencing the digest; when
// there are none, everyone is asked.
func (r *Raptr) sendFetchReq(blockDigest string) {
	self := r.validator.NodeID()

	candidateSet := map[bft.NodeID]bool{}
	for _, qc := range r.qcsByDigest[blockDigest] {
		for _, id := range qc.Signers() {
			if id != self {
				candidateSet[id] = true
			}
		}
	}
	if len(candidateSet) == 0 {
		for _, id := range r.peers.IDs() {
			if id != self {
				candidateSet[id] = true
			}
		}
	}

	candidates := make([]bft.NodeID, 0, len(candidateSet))
	for id := range candidateSet {
		candidates = append(candidates, id)
	}

	count := r.blockFetchMultiplier
	if count > len(candidates) {
		count = len(candidates)
	}

	for _, i := range rand.Perm(len(candidates))[:count] {
		r.sender.sendTo(candidates[i], &bft.FetchReq{BlockDigest: blockDigest})
	}
}

func (r *Raptr) onFetchTimer(blockDigest string) error {
	if r.store.HasBlock(blockDigest) {
		return nil
	}
	r.sendFetchReq(blockDigest)
	r.timers.Schedule(r.blockFetchInterval, TimerEvent{Kind: FetchBlockTimer, BlockDigest: blockDigest})
	return nil
}

func (r *Raptr) onFetchReq(from bft.NodeID, m *bft.FetchReq) error {
	if !r.store.HasBlock(m.BlockDigest) {
		return nil
	}
	block, err := r.store.GetBlock(m.BlockDigest)
	if err != nil {
		return err
	}
	r.sender.sendTo(from, &bft.FetchResp{Block: block})
	return nil
}

func (r *Raptr) onFetchResp(m *bft.FetchResp) error {
	block := m.Block
	if block == nil || r.store.HasBlock(block.Hex()) {
		return nil
	}
	if err := r.store.SetBlock(block); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"round": block.Round(),
		"block": block.Hex(),
	}).Debug("Fetched block")

	for _, qc := range r.qcsByDigest[block.Hex()] {
		r.dissem.NotifyQC(qc, block.Payload())
	}

	// the parent QC may point at another missing ancestor
	if err := r.onNewQC(block.ParentQC()); err != nil {
		return err
	}

	return r.trySatisfy(block)
}

/*******************************************************************************
Satisfaction and commit
*******************************************************************************/

// trySatisfy marks a block satisfied once its whole ancestor chain is
// locally stored, and cascades to blocks that were waiting on it.
func (r *Raptr) trySatisfy(block *bft.Block) error {
	digest := block.Hex()
	if r.satisfiedBlocks[digest] {
		return nil
	}

	parentDigest := block.ParentQC().BlockDigest
	if !r.satisfiedBlocks[parentDigest] {
		r.satisfyWaiters[parentDigest] = append(r.satisfyWaiters[parentDigest], block)
		return nil
	}

	r.satisfiedBlocks[digest] = true

	for _, qc := range r.qcsByDigest[digest] {
		if err := r.onQCSatisfied(qc); err != nil {
			return err
		}
	}

	children := r.satisfyWaiters[digest]
	delete(r.satisfyWaiters, digest)
	for _, child := range children {
		if err := r.trySatisfy(child); err != nil {
			return err
		}
	}

	return nil
}

// onQCSatisfied runs once per QC when its block becomes satisfied. It
// applies the two-chain rule: a QC at round x whose block extends a parent
// QC at round x-1 commits the parent.
func (r *Raptr) onQCSatisfied(qc *bft.QC) error {
	id := qc.ID()
	if r.satisfiedQCs[id] {
		return nil
	}
	r.satisfiedQCs[id] = true

	block, err := r.store.GetBlock(qc.BlockDigest)
	if err != nil {
		return err
	}

	parent := block.ParentQC()
	if parent.Round+1 == qc.Round && r.committedQC.ID().Less(parent.ID()) {
		r.enqueueCommit(parent)
	}

	if pending, ok := r.pendingCommit[id]; ok {
		delete(r.pendingCommit, id)
		r.enqueueCommit(pending)
	}

	return nil
}

func (r *Raptr) enqueueCommit(qc *bft.QC) {
	for _, q := range r.qcsToCommit {
		if q.ID() == qc.ID() {
			return
		}
	}
	r.qcsToCommit = append(r.qcsToCommit, qc)
	sort.Slice(r.qcsToCommit, func(i, j int) bool {
		return r.qcsToCommit[i].ID().Less(r.qcsToCommit[j].ID())
	})
}

func (r *Raptr) drainCommits() error {
	for len(r.qcsToCommit) > 0 {
		qc := r.qcsToCommit[0]
		r.qcsToCommit = r.qcsToCommit[1:]
		if err := r.commitQC(qc); err != nil {
			return err
		}
	}
	return nil
}

// commitQC finalizes the chain from the committed head up to qc's block and
// prefix. Committing a certificate that is already an ancestor of the
// committed chain is a no-op; committing one that conflicts with it is a
// safety violation and the node must not survive it.
func (r *Raptr) commitQC(qc *bft.QC) error {
	cid := qc.ID()
	if cid.LessOrEqual(r.committedQC.ID()) {
		if r.isCommittedAncestor(qc) {
			return nil
		}
		return bft.NewSafetyViolation("commit of %s conflicts with committed chain head %s",
			cid, r.committedQC.ID())
	}

	steps, err := r.chainSteps(qc)
	if err != nil {
		return err
	}

	for _, st := range steps {
		batches := st.block.Payload().BatchesInRange(st.from, st.to)

		if r.commitCount == 0 {
			r.dissem.SetFirstCommittedBlockTimestamp(st.block.Timestamp())
		}

		if err := r.dissem.NotifyCommit(dissem.Commit{
			Batches:   batches,
			Timestamp: st.block.Timestamp(),
			Voters:    qc.Signers(),
		}); err != nil {
			return err
		}

		r.commitCount++
		r.batchCount += len(batches)

		r.logger.WithFields(logrus.Fields{
			"round":   st.block.Round(),
			"prefix":  st.to,
			"batches": len(batches),
		}).Info("Committed")
	}

	r.committedQC = qc
	return nil
}

// chainSteps walks the parent links from qc's block down to the committed
// head and returns the commit steps in chain order. A walk that cannot reach
// the committed head is a safety violation.
func (r *Raptr) chainSteps(qc *bft.QC) ([]commitStep, error) {
	var steps []commitStep

	cur := qc
	for {
		if cur.Round < r.committedQC.Round {
			return nil, bft.NewSafetyViolation("chain of %s bypasses committed round %d",
				qc.ID(), r.committedQC.Round)
		}

		block, err := r.store.GetBlock(cur.BlockDigest)
		if err != nil {
			return nil, err
		}

		if cur.Round == r.committedQC.Round {
			if cur.BlockDigest != r.committedQC.BlockDigest {
				return nil, bft.NewSafetyViolation("chain of %s forks from committed block at round %d",
					qc.ID(), cur.Round)
			}
			// prefix extension of the committed head
			if cur.Prefix > r.committedQC.Prefix {
				steps = append([]commitStep{{block: block, from: r.committedQC.Prefix, to: cur.Prefix}}, steps...)
			}
			return steps, nil
		}

		steps = append([]commitStep{{block: block, from: 0, to: cur.Prefix}}, steps...)
		cur = block.ParentQC()
	}
}

// isCommittedAncestor reports whether qc's block sits on the committed
// chain at its round.
func (r *Raptr) isCommittedAncestor(qc *bft.QC) bool {
	cur := r.committedQC
	for {
		if cur.Round < qc.Round {
			return false
		}
		if cur.Round == qc.Round {
			return cur.BlockDigest == qc.BlockDigest
		}
		block, err := r.store.GetBlock(cur.BlockDigest)
		if err != nil {
			return false
		}
		cur = block.ParentQC()
	}
}

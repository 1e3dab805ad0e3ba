package node

import (
	"fmt"
	"strconv"
	"time"

	"github.com/raptrnet/raptr/src/bft"
	"github.com/raptrnet/raptr/src/config"
	"github.com/raptrnet/raptr/src/dissem"
	"github.com/raptrnet/raptr/src/net"
	"github.com/raptrnet/raptr/src/peers"
	"github.com/sirupsen/logrus"
)

/*
Node is the reactor: a single goroutine that drives the Raptr state machine
from four event sources - the transport, the timers, the dissemination
layer's full-block events, and the node's own multicasts looped back through
selfCh. Because every event is processed to completion before the next one,
the core runs without locks.
*/
type Node struct {
	state

	conf *config.Config

	validator *Validator

	core *Raptr

	trans net.Transport

	peerSet *peers.PeerSet

	diss dissem.Disseminator

	store bft.Store

	verifier *bft.Verifier

	timers *timerScheduler

	selfCh chan net.Envelope

	shutdownCh chan struct{}

	start time.Time

	logger *logrus.Entry
}

// NewNode instantiates a new Node and its consensus core.
func NewNode(
	conf *config.Config,
	validator *Validator,
	peerSet *peers.PeerSet,
	store bft.Store,
	trans net.Transport,
	diss dissem.Disseminator,
) *Node {
	logger := conf.Logger().WithField("this_id", validator.NodeID())

	verifier := bft.NewVerifier(
		peerSet,
		bft.NewKeyVerifier(peerSet),
		conf.NSubBlocks,
		conf.Quorum(peerSet.Len()),
	)

	timers := newTimerScheduler()

	node := &Node{
		conf:       conf,
		validator:  validator,
		peerSet:    peerSet,
		store:      store,
		trans:      trans,
		diss:       diss,
		verifier:   verifier,
		timers:     timers,
		selfCh:     make(chan net.Envelope, 256),
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}

	node.core = NewRaptr(validator, peerSet, store, diss, conf, timers, node, logger)

	return node
}

// Init enters round 1 and arms the recurring timers. It must be called
// before Run.
func (n *Node) Init() error {
	n.logger.WithFields(logrus.Fields{
		"validators": n.peerSet.Len(),
		"quorum":     n.conf.Quorum(n.peerSet.Len()),
		"moniker":    n.validator.Moniker,
	}).Debug("Init Node")

	n.start = time.Now()

	n.timers.Schedule(n.conf.StatusInterval, TimerEvent{Kind: StatusTimer})
	if n.conf.RunDuration > 0 {
		n.timers.Schedule(n.conf.RunDuration, TimerEvent{Kind: EndOfRunTimer})
	}

	return n.core.Init()
}

// Run invokes the main loop of the node. It only returns after Shutdown.
func (n *Node) Run() {
	for {
		select {
		case env := <-n.selfCh:
			n.handleErr(n.core.ProcessMessage(env))
		case env := <-n.trans.Consumer():
			if err := n.verifier.VerifyMessage(env.From, env.Message); err != nil {
				n.logger.WithFields(logrus.Fields{
					"from":  env.From,
					"type":  env.Message.Type().String(),
					"error": err,
				}).Debug("Rejected message")
				continue
			}
			n.handleErr(n.core.ProcessMessage(env))
		case ev := <-n.timers.C():
			switch ev.Kind {
			case StatusTimer:
				n.logStats()
				n.timers.Schedule(n.conf.StatusInterval, TimerEvent{Kind: StatusTimer})
			case EndOfRunTimer:
				n.Shutdown()
			default:
				n.handleErr(n.core.ProcessTimer(ev))
			}
		case ev := <-n.diss.FullBlockCh():
			n.handleErr(n.core.ProcessFullBlock(ev))
		case <-n.shutdownCh:
			return
		}
	}
}

// RunAsync runs the node in a separate goroutine.
func (n *Node) RunAsync() {
	n.logger.Debug("RunAsync")
	n.goFunc(n.Run)
}

// handleErr logs processing errors. A safety violation means agreement can
// no longer be guaranteed, so the process is aborted on the spot.
func (n *Node) handleErr(err error) {
	if err == nil {
		return
	}
	if bft.IsSafetyViolation(err) {
		n.logger.WithField("error", err).Fatal("SAFETY VIOLATION")
	}
	n.logger.WithField("error", err).Error("Processing event")
}

// multicast implements the sender interface. The message goes to every other
// validator over the transport, and to this node through the self queue.
func (n *Node) multicast(msg bft.Message) {
	env := net.Envelope{From: n.validator.NodeID(), Message: msg}

	for _, p := range n.peerSet.Peers {
		if p.ID == n.validator.NodeID() {
			continue
		}
		if err := n.trans.Send(p.NetAddr, env); err != nil {
			n.logger.WithFields(logrus.Fields{
				"target": p.NetAddr,
				"error":  err,
			}).Debug("Send failed")
		}
	}

	select {
	case n.selfCh <- env:
	default:
		n.logger.WithField("type", msg.Type().String()).Warn("Self queue full, dropping message")
	}
}

// sendTo implements the sender interface.
func (n *Node) sendTo(id bft.NodeID, msg bft.Message) {
	env := net.Envelope{From: n.validator.NodeID(), Message: msg}

	if id == n.validator.NodeID() {
		select {
		case n.selfCh <- env:
		default:
		}
		return
	}

	p, err := n.peerSet.Get(id)
	if err != nil {
		return
	}
	if err := n.trans.Send(p.NetAddr, env); err != nil {
		n.logger.WithFields(logrus.Fields{
			"target": p.NetAddr,
			"error":  err,
		}).Debug("Send failed")
	}
}

// Shutdown stops the node and releases the transport, the store, and the
// dissemination layer. It is idempotent.
func (n *Node) Shutdown() {
	if n.getState() == Shutdown {
		return
	}

	n.logger.Debug("Shutdown")

	n.setState(Shutdown)
	close(n.shutdownCh)

	n.timers.Stop()
	n.diss.Stop()
	n.trans.Close()
	n.store.Close()
}

// GetID returns the validator ID of this node.
func (n *Node) GetID() bft.NodeID {
	return n.validator.NodeID()
}

// GetState returns the lifecycle state of this node.
func (n *Node) GetState() State {
	return n.getState()
}

// GetPeers returns the validator set.
func (n *Node) GetPeers() []*peers.Peer {
	return n.peerSet.Peers
}

// GetBlock retrieves a block from the store by digest.
func (n *Node) GetBlock(digest string) (*bft.Block, error) {
	return n.store.GetBlock(digest)
}

// GetStats returns a set of key figures about the node's activity.
func (n *Node) GetStats() map[string]string {
	uptime := time.Since(n.start)

	commitRate := 0.0
	if uptime.Seconds() > 0 {
		commitRate = float64(n.core.CommitCount()) / uptime.Seconds()
	}

	return map[string]string{
		"id":                strconv.FormatUint(uint64(n.validator.NodeID()), 10),
		"moniker":           n.validator.Moniker,
		"state":             n.getState().String(),
		"round":             strconv.FormatUint(n.core.Round(), 10),
		"ready_round":       strconv.FormatUint(n.core.ReadyRound(), 10),
		"committed_round":   strconv.FormatUint(n.core.CommittedQC().Round, 10),
		"committed_prefix":  strconv.Itoa(n.core.CommittedQC().Prefix),
		"qc_high":           n.core.QCHigh().ID().String(),
		"committed_blocks":  strconv.Itoa(n.core.CommitCount()),
		"committed_batches": strconv.Itoa(n.core.BatchCount()),
		"commits_per_sec":   fmt.Sprintf("%.2f", commitRate),
		"uptime":            uptime.String(),
	}
}

func (n *Node) logStats() {
	stats := n.GetStats()
	n.logger.WithFields(logrus.Fields{
		"round":             stats["round"],
		"committed_round":   stats["committed_round"],
		"committed_blocks":  stats["committed_blocks"],
		"committed_batches": stats["committed_batches"],
		"commits_per_sec":   stats["commits_per_sec"],
		"state":             stats["state"],
	}).Info("Stats")
}

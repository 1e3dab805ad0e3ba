package node

import (
	"fmt"
	"time"

	"github.com/raptrnet/raptr/src/bft"
)

// TimerKind discriminates the timer events consumed by the reactor.
type TimerKind uint8

const (
	// QcVoteTimer fires when the extra wait before a partial QC-vote runs
	// out.
	QcVoteTimer TimerKind = iota + 1
	// TimeoutTimer fires when the current round has lasted too long.
	TimeoutTimer
	// FetchBlockTimer retries a pending block fetch.
	FetchBlockTimer
	// RoundSyncTimer triggers the periodic round-sync rebroadcast.
	RoundSyncTimer
	// StatusTimer triggers the periodic status log.
	StatusTimer
	// EndOfRunTimer ends a bounded run.
	EndOfRunTimer
)

var timerKinds = map[TimerKind]string{
	QcVoteTimer:     "QcVote",
	TimeoutTimer:    "Timeout",
	FetchBlockTimer: "FetchBlock",
	RoundSyncTimer:  "RoundSync",
	StatusTimer:     "Status",
	EndOfRunTimer:   "EndOfRun",
}

func (k TimerKind) String() string {
	if s, ok := timerKinds[k]; ok {
		return s
	}
	return fmt.Sprintf("TimerKind(%d)", k)
}

// TimerEvent is a scheduled wake-up. Timers are never cancelled; a handler
// that receives an event for a round or block it has moved past simply drops
// it.
type TimerEvent struct {
	Kind        TimerKind
	Round       bft.Round
	BlockDigest string
}

// timerScheduler posts TimerEvents on a channel after a delay. It is the
// reactor's only clock; because stale events are ignored by their handlers,
// the scheduler never needs to track or stop pending timers.
type timerScheduler struct {
	eventCh    chan TimerEvent
	shutdownCh chan struct{}
}

func newTimerScheduler() *timerScheduler {
	return &timerScheduler{
		eventCh:    make(chan TimerEvent, 64),
		shutdownCh: make(chan struct{}),
	}
}

// C returns the channel the reactor selects on.
func (ts *timerScheduler) C() <-chan TimerEvent {
	return ts.eventCh
}

// Schedule posts ev on C after d has elapsed.
func (ts *timerScheduler) Schedule(d time.Duration, ev TimerEvent) {
	time.AfterFunc(d, func() {
		select {
		case ts.eventCh <- ev:
		case <-ts.shutdownCh:
		}
	})
}

// Stop releases pending timer goroutines.
func (ts *timerScheduler) Stop() {
	close(ts.shutdownCh)
}

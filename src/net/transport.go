package net

import (
	"github.com/raptrnet/raptr/src/bft"
)

// Envelope wraps a consensus message with the ID of the validator that sent
// it. The sender ID is asserted by the signature checks downstream, not by
// the transport.
type Envelope struct {
	From    bft.NodeID
	Message bft.Message
}

// Transport provides one-way, fire-and-forget delivery of consensus
// messages between validators. Losses are tolerated; the protocol recovers
// through round-sync rebroadcasts and block fetching.
type Transport interface {
	// Consumer returns a channel that can be used to consume messages from
	// other validators.
	Consumer() <-chan Envelope

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// AdvertiseAddr is the address other validators reach us on. It can
	// differ from LocalAddr when the bind address is not routable.
	AdvertiseAddr() string

	// Send delivers an envelope to the validator listening at target. It
	// does not wait for the message to be processed.
	Send(target string, env Envelope) error

	// Close permanently shuts down the transport.
	Close() error
}

package net

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	gonet "net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

/*
NetworkTransport provides a network based transport that can be used to
exchange consensus messages with remote validators over a StreamLayer. There
is no response path: a message is framed, written, and forgotten. Outgoing
connections are pooled and reused across sends.
*/
type NetworkTransport struct {
	connPool     map[string][]*netConn
	connPoolLock sync.Mutex

	consumeCh chan Envelope

	logger *logrus.Entry

	maxPool int

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	timeout time.Duration
}

type netConn struct {
	target string
	conn   gonet.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

func (n *netConn) Release() error {
	return n.conn.Close()
}

// NewNetworkTransport creates a new network transport with the given stream
// layer, maximum pool size, and timeout.
func NewNetworkTransport(
	stream StreamLayer,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = log.WithField("prefix", "raptr")
	}

	trans := &NetworkTransport{
		connPool:   make(map[string][]*netConn),
		consumeCh:  make(chan Envelope, 256),
		logger:     logger,
		maxPool:    maxPool,
		shutdownCh: make(chan struct{}),
		stream:     stream,
		timeout:    timeout,
	}

	go trans.listen()

	return trans
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.shutdown = true
	}

	return nil
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan Envelope {
	return n.consumeCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// getPooledConn is used to grab a pooled connection.
func (n *NetworkTransport) getPooledConn(target string) *netConn {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	conns, ok := n.connPool[target]
	if !ok || len(conns) == 0 {
		return nil
	}

	var conn *netConn
	num := len(conns)
	conn, conns[num-1] = conns[num-1], nil
	n.connPool[target] = conns[:num-1]

	return conn
}

// getConn is used to get a connection from the pool, or dial a new one.
func (n *NetworkTransport) getConn(target string) (*netConn, error) {
	if conn := n.getPooledConn(target); conn != nil {
		return conn, nil
	}

	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	netConn := &netConn{
		target: target,
		conn:   conn,
		w:      bufio.NewWriter(conn),
	}
	netConn.enc = codec.NewEncoder(netConn.w, new(codec.JsonHandle))

	return netConn, nil
}

// returnConn returns a connection back to the pool.
func (n *NetworkTransport) returnConn(conn *netConn) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := conn.target
	conns := n.connPool[key]

	if !n.IsShutdown() && len(conns) < n.maxPool {
		n.connPool[key] = append(conns, conn)
	} else {
		conn.Release()
	}
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Send implements the Transport interface.
func (n *NetworkTransport) Send(target string, env Envelope) error {
	if n.IsShutdown() {
		return ErrTransportShutdown
	}

	conn, err := n.getConn(target)
	if err != nil {
		return err
	}

	wire, err := WrapEnvelope(env)
	if err != nil {
		conn.Release()
		return err
	}

	if n.timeout > 0 {
		conn.conn.SetWriteDeadline(time.Now().Add(n.timeout))
	}

	if err := conn.enc.Encode(wire); err != nil {
		conn.Release()
		return err
	}

	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}

	n.returnConn(conn)

	return nil
}

// listen is used to handle incoming connections.
func (n *NetworkTransport) listen() {
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}

		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		// Handle the connection in dedicated routine
		go n.handleConn(conn)
	}
}

// handleConn is used to consume frames from an inbound connection for its
// lifespan.
func (n *NetworkTransport) handleConn(conn gonet.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, new(codec.JsonHandle))

	for {
		wire := new(WireEnvelope)
		if err := dec.Decode(wire); err != nil {
			if err != io.EOF && !n.IsShutdown() {
				n.logger.WithField("error", err).Error("Failed to decode incoming frame")
			}
			return
		}

		env, err := UnwrapEnvelope(wire)
		if err != nil {
			n.logger.WithField("error", err).Error("Failed to unwrap incoming frame")
			return
		}

		select {
		case n.consumeCh <- env:
		case <-n.shutdownCh:
			return
		}
	}
}

// NewTCPTransport returns a NetworkTransport that is built on top of a TCP
// streaming transport layer.
func NewTCPTransport(
	bindAddr string,
	advertiseAddr string,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {
	stream, err := NewTCPStreamLayer(bindAddr, advertiseAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp stream layer: %v", err)
	}

	return NewNetworkTransport(stream, maxPool, timeout, logger), nil
}

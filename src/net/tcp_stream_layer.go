package net

import (
	"errors"
	"net"
	"time"
)

var errNotAdvertisable = errors.New("local bind address is not advertisable")

// TCPStreamLayer implements the StreamLayer interface for plain TCP.
type TCPStreamLayer struct {
	advertise string
	listener  *net.TCPListener
}

// NewTCPStreamLayer instantiates a new TCPStreamLayer, binding to bindAddr.
// If advertise is empty, bindAddr is published instead; it must then resolve
// to a routable IP.
func NewTCPStreamLayer(bindAddr string, advertise string) (*TCPStreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	stream := &TCPStreamLayer{
		advertise: advertise,
		listener:  list.(*net.TCPListener),
	}

	// Verify that we have a usable advertise address
	addr, ok := stream.listener.Addr().(*net.TCPAddr)
	if stream.advertise == "" {
		if !ok {
			list.Close()
			return nil, errNotAdvertisable
		}
		if addr.IP.IsUnspecified() {
			list.Close()
			return nil, errNotAdvertisable
		}
		stream.advertise = addr.String()
	}

	return stream, nil
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements the net.Listener interface.
func (t *TCPStreamLayer) Accept() (c net.Conn, err error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TCPStreamLayer) Close() (err error) {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// AdvertiseAddr implements the StreamLayer interface.
func (t *TCPStreamLayer) AdvertiseAddr() string {
	return t.advertise
}

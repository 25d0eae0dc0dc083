package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Transport is a framed, bidirectional byte-message channel to a
// Transceiver: either a TCP socket or a USB bulk endpoint pair. Every
// message it sends or receives is a complete CBOR-encoded RPC frame; the
// 2-byte length prefix is handled internally.
type Transport interface {
	// Open establishes the underlying connection.
	Open(ctx context.Context) error

	// Send writes one message.
	Send(payload []byte) error

	// Read blocks until the next message arrives, or the transport closes.
	Read() ([]byte, error)

	// Close releases the underlying connection.
	Close() error
}

// Factory constructs a Transport for a scheme-specific target string (the
// part of a target spec after "scheme:").
type Factory func(target string) (Transport, error)

var registry = map[string]Factory{}

// Register associates a scheme (e.g. "tcp", "usb") with a Factory. Concrete
// transports call this from an init function.
func Register(scheme string, factory Factory) {
	registry[scheme] = factory
}

// DefaultPort is the Transceiver's default TCP listen port.
const DefaultPort = 7645

// Create builds a Transport from a target spec of the form
// "<scheme>:<target>". A spec with no "<scheme>:" prefix defaults to TCP
// against the given target, using DefaultPort.
func Create(targetSpec string) (Transport, error) {
	scheme, target, ok := strings.Cut(targetSpec, ":")
	if !ok {
		scheme, target = "tcp", targetSpec
	}

	factory, ok := registry[scheme]
	if !ok {
		return nil, fmt.Errorf("transport: unknown scheme %q in target spec %q", scheme, targetSpec)
	}
	return factory(target)
}

// splitHostPort splits "host" or "host:port" into host and a port number,
// defaulting to DefaultPort when no port is given.
func splitHostPort(target string) (host string, port int, err error) {
	host, portStr, ok := strings.Cut(target, ":")
	if !ok {
		return target, DefaultPort, nil
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("transport: invalid port in %q: %w", target, err)
	}
	return host, port, nil
}

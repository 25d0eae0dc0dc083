package avss

import (
	"context"
	"time"
)

// Channel abstracts the three AVSS characteristics (Control Point, Report,
// Program) over whichever transport carries them: a live GATT connection
// (pkg/blegatt) or a Transceiver RPC proxy (pkg/rpc/proxyavss). A Session
// drives one Channel for its lifetime.
//
// This unifies the direct-BLE and proxy bindings' connect/disconnect
// lifecycles behind a single contract.
type Channel interface {
	// Connect establishes the channel (GATT connection, or subscription to
	// the proxying Transceiver's notifications) and calls sink's methods
	// for every report segment and program notification received
	// thereafter.
	Connect(ctx context.Context, sink Sink) error

	// Disconnect tears down the channel.
	Disconnect() error

	// Disconnected is closed once the channel observes the node
	// disconnecting, whether requested or not.
	Disconnected() <-chan struct{}

	// RequestRaw writes a control-point request frame and returns the
	// matching response frame, or an error if none arrives within
	// timeout.
	RequestRaw(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error)

	// ProgramWrite writes one firmware transfer chunk to the Program
	// characteristic, without awaiting a response.
	ProgramWrite(ctx context.Context, frame []byte) error
}

// Sink receives AVSS notifications pushed by a Channel binding: report
// segments from the Report characteristic, and offset NACKs from the
// Program characteristic.
type Sink interface {
	HandleReportSegment(segment []byte)
	HandleProgramNotify(data []byte)
}

package blegatt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anura-project/anura-go/pkg/avss"
)

// ErrDisconnected indicates a request was attempted, or a write returned,
// after the node disconnected.
var ErrDisconnected = errors.New("blegatt: node disconnected")

// GATTClient is the BLE GATT primitive set this package needs from a
// concrete stack (e.g. tinygo.org/x/bluetooth). Implementations must call
// the registered handler synchronously for each notification/indication as
// it arrives, preserving on-wire order.
type GATTClient interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// OnDisconnected registers a callback invoked exactly once when the
	// peripheral disconnects, whether requested or spontaneous.
	OnDisconnected(fn func())

	// Subscribe starts notifications (or indications) on a characteristic,
	// delivering each value to fn.
	Subscribe(characteristic uuid.UUID, fn func(value []byte)) error

	// WriteWithResponse performs a GATT write-with-response.
	WriteWithResponse(ctx context.Context, characteristic uuid.UUID, value []byte) error

	// WriteWithoutResponse performs a GATT write-without-response.
	WriteWithoutResponse(ctx context.Context, characteristic uuid.UUID, value []byte) error
}

// Channel implements avss.Channel over a live GATTClient connection. A
// Control Point indicate pushes its response into a size-1 slot the
// current control-point request drains.
type Channel struct {
	client GATTClient

	sink avss.Sink

	disconnected chan struct{}
	cpResponse   chan []byte
}

// NewChannel wraps client as an avss.Channel.
func NewChannel(client GATTClient) *Channel {
	return &Channel{
		client:       client,
		disconnected: make(chan struct{}),
		cpResponse:   make(chan []byte, 1),
	}
}

// Connect implements avss.Channel.
func (c *Channel) Connect(ctx context.Context, sink avss.Sink) error {
	c.sink = sink

	c.client.OnDisconnected(func() {
		close(c.disconnected)
	})

	if err := c.client.Connect(ctx); err != nil {
		return fmt.Errorf("blegatt: connect: %w", err)
	}

	if err := c.client.Subscribe(ReportUUID, func(value []byte) {
		c.sink.HandleReportSegment(value)
	}); err != nil {
		return fmt.Errorf("blegatt: subscribe report: %w", err)
	}

	if err := c.client.Subscribe(ControlPointUUID, c.onControlPointIndicate); err != nil {
		return fmt.Errorf("blegatt: subscribe control point: %w", err)
	}

	if err := c.client.Subscribe(ProgramUUID, func(value []byte) {
		c.sink.HandleProgramNotify(value)
	}); err != nil {
		return fmt.Errorf("blegatt: subscribe program: %w", err)
	}

	return nil
}

// onControlPointIndicate pushes a single response into the size-1 response
// slot, matching the original's _cp_response_q.
func (c *Channel) onControlPointIndicate(value []byte) {
	select {
	case c.cpResponse <- value:
	default:
		// A lingering response is flushed at the start of the next
		// RequestRaw call; drop this one silently rather than blocking
		// the notification dispatcher.
	}
}

// Disconnect implements avss.Channel.
func (c *Channel) Disconnect() error {
	return c.client.Disconnect()
}

// Disconnected implements avss.Channel.
func (c *Channel) Disconnected() <-chan struct{} {
	return c.disconnected
}

// RequestRaw implements avss.Channel: a GATT write-with-response to the
// Control Point, followed by awaiting its indicated response.
func (c *Channel) RequestRaw(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error) {
	// Flush a lingering response left over from an aborted prior request.
	select {
	case <-c.cpResponse:
	default:
	}

	if err := c.client.WriteWithResponse(ctx, ControlPointUUID, frame); err != nil {
		return nil, fmt.Errorf("blegatt: write control point: %w", err)
	}

	select {
	case resp := <-c.cpResponse:
		return resp, nil
	case <-c.disconnected:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProgramWrite implements avss.Channel: a GATT write-without-response to
// the Program characteristic.
func (c *Channel) ProgramWrite(ctx context.Context, frame []byte) error {
	return c.client.WriteWithoutResponse(ctx, ProgramUUID, frame)
}

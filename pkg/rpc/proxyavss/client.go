package proxyavss

import (
	"context"
	"sync"
	"time"

	"github.com/anura-project/anura-go/pkg/avss"
	"github.com/anura-project/anura-go/pkg/rpc"
	"github.com/anura-project/anura-go/pkg/wire"
)

// Channel implements avss.Channel over a Transceiver RPC client, filtering
// the Transceiver's shared notification stream by node address.
type Channel struct {
	client  *rpc.Client
	address wire.BluetoothAddrLE

	disconnected chan struct{}
	closeOnce    sync.Once

	cancelMu sync.Mutex
	cancel   func()
}

// NewChannel wraps client as an avss.Channel for the node at address. The
// rpc.Client must already be connected; the Channel does not own its
// lifetime.
func NewChannel(client *rpc.Client, address wire.BluetoothAddrLE) *Channel {
	return &Channel{
		client:       client,
		address:      address,
		disconnected: make(chan struct{}),
	}
}

// Connect implements avss.Channel: it subscribes to the Transceiver's
// notification stream and spawns the filtering loop. It returns once the
// subscription is established; it does not wait for the node to actually
// be connected (callers typically poll get_version for that, per
// the coordinator).
func (c *Channel) Connect(ctx context.Context, sink avss.Sink) error {
	notifications, cancel := c.client.Subscribe()
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	go c.dispatchLoop(notifications, cancel, sink)
	return nil
}

func (c *Channel) dispatchLoop(notifications <-chan rpc.NotificationEvent, cancel func(), sink avss.Sink) {
	defer cancel()
	defer c.markDisconnected()

	for event := range notifications {
		switch msg := event.(type) {
		case rpc.AVSSReportNotifiedEvent:
			if msg.Address.Equal(c.address) {
				sink.HandleReportSegment(msg.Value)
			}
		case rpc.AVSSProgramNotifiedEvent:
			if msg.Address.Equal(c.address) {
				sink.HandleProgramNotify(msg.Value)
			}
		case rpc.NodeDisconnectedEvent:
			if msg.Address.Equal(c.address) {
				return
			}
		}
	}
}

func (c *Channel) markDisconnected() {
	c.closeOnce.Do(func() {
		close(c.disconnected)
	})
}

// Disconnect implements avss.Channel. It tears down this node's
// subscription without affecting the shared Transceiver connection.
func (c *Channel) Disconnect() error {
	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.markDisconnected()
	return nil
}

// Disconnected implements avss.Channel.
func (c *Channel) Disconnected() <-chan struct{} {
	return c.disconnected
}

// RequestRaw implements avss.Channel: an avss_request RPC call carrying the
// control-point frame, returning the node's response frame.
func (c *Channel) RequestRaw(ctx context.Context, frame []byte, _ time.Duration) ([]byte, error) {
	return c.client.AVSSRequest(ctx, c.address, frame)
}

// ProgramWrite implements avss.Channel: an avss_program_write RPC call
// carrying one firmware transfer chunk.
func (c *Channel) ProgramWrite(ctx context.Context, frame []byte) error {
	return c.client.AVSSProgramWrite(ctx, c.address, frame)
}

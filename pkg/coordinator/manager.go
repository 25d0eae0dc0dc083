package coordinator

import (
	"context"
	"time"

	"github.com/anura-project/anura-go/pkg/avss"
	"github.com/anura-project/anura-go/pkg/log"
	"github.com/anura-project/anura-go/pkg/rpc"
	"github.com/anura-project/anura-go/pkg/rpc/proxyavss"
	"github.com/anura-project/anura-go/pkg/wire"
)

// retryDelay is the fixed delay between reconnect attempts at both the
// transceiver and node level.
const retryDelay = 1 * time.Second

// versionPollInterval is how often a freshly opened node session polls
// get_version while waiting for the node to come online.
const versionPollInterval = 500 * time.Millisecond

// TransceiverConfig describes one Transceiver to supervise and the AVSS
// nodes it should be assigned.
type TransceiverConfig struct {
	// TargetSpec names the Transceiver's transport target, e.g.
	// "tcp:192.0.2.1" or "usb:0123456789".
	TargetSpec string

	// Nodes are the Bluetooth addresses the Transceiver should connect to.
	Nodes []wire.BluetoothAddrLE
}

// Config configures a Coordinator.
type Config struct {
	Transceivers []TransceiverConfig

	// OnOpen runs once per node session, after get_version first succeeds
	// and before report streaming begins. A returned error restarts the
	// node task after retryDelay.
	OnOpen func(ctx context.Context, addr wire.BluetoothAddrLE, session *avss.Session) error

	// OnReport receives every report reassembled for addr.
	OnReport func(addr wire.BluetoothAddrLE, report avss.Report)

	Logger log.Logger
}

// Coordinator supervises the configured Transceivers' connections and
// their nodes' AVSS sessions for as long as Run's context stays open.
type Coordinator struct {
	cfg Config
}

// New creates a Coordinator from cfg.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = log.NoopLogger{}
	}
	return &Coordinator{cfg: cfg}
}

// Run blocks, supervising every configured Transceiver, until ctx is
// cancelled. Cancelling ctx cancels every transceiver- and node-level task.
func (c *Coordinator) Run(ctx context.Context) {
	done := make(chan struct{}, len(c.cfg.Transceivers))
	for _, tc := range c.cfg.Transceivers {
		go func(tc TransceiverConfig) {
			c.superviseTransceiver(ctx, tc)
			done <- struct{}{}
		}(tc)
	}
	for range c.cfg.Transceivers {
		<-done
	}
}

func (c *Coordinator) superviseTransceiver(ctx context.Context, tc TransceiverConfig) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.runTransceiver(ctx, tc); err != nil {
			c.logError(tc.TargetSpec, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func (c *Coordinator) runTransceiver(ctx context.Context, tc TransceiverConfig) error {
	client := rpc.NewClient()
	client.SetLogger(c.cfg.Logger, tc.TargetSpec)

	if err := client.Connect(ctx, tc.TargetSpec); err != nil {
		return err
	}
	defer client.Close()

	if err := client.SetAssignedNodes(ctx, tc.Nodes); err != nil {
		return err
	}

	notifications, unsubscribe := client.Subscribe() // closed when the connection drops
	defer unsubscribe()

	nodeDone := make(chan struct{}, len(tc.Nodes))
	nodeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, addr := range tc.Nodes {
		go func(addr wire.BluetoothAddrLE) {
			c.superviseNode(nodeCtx, client, addr)
			nodeDone <- struct{}{}
		}(addr)
	}

	err := ctx.Err()
	for err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case _, ok := <-notifications:
			if !ok {
				err = rpc.ErrDisconnected
			}
		}
	}
	cancel()
	for range tc.Nodes {
		<-nodeDone
	}
	return err
}

func (c *Coordinator) superviseNode(ctx context.Context, client *rpc.Client, addr wire.BluetoothAddrLE) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.runNode(ctx, client, addr); err != nil {
			c.logError(addr.String(), err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func (c *Coordinator) runNode(ctx context.Context, client *rpc.Client, addr wire.BluetoothAddrLE) error {
	channel := proxyavss.NewChannel(client, addr)
	session := avss.NewSession(channel)
	session.SetLogger(c.cfg.Logger, addr.String())

	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer session.Disconnect()

	if err := c.pollVersion(ctx, session); err != nil {
		return err
	}

	if c.cfg.OnOpen != nil {
		if err := c.cfg.OnOpen(ctx, addr, session); err != nil {
			return err
		}
	}

	reports, cancel := session.Reports(false)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Disconnected():
			return avss.ErrDisconnected
		case item, ok := <-reports:
			if !ok {
				return avss.ErrDisconnected
			}
			if c.cfg.OnReport != nil {
				c.cfg.OnReport(addr, item.(avss.Report))
			}
		}
	}
}

// pollVersion retries get_version until it succeeds, the node disconnects,
// or ctx is cancelled.
func (c *Coordinator) pollVersion(ctx context.Context, session *avss.Session) error {
	for {
		_, err := session.GetVersion(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Disconnected():
			return avss.ErrDisconnected
		case <-time.After(versionPollInterval):
		}
	}
}

func (c *Coordinator) logError(subject string, err error) {
	c.cfg.Logger.Log(log.Event{
		Timestamp: time.Now(),
		RemoteAddr: subject,
		Layer:      log.LayerAVSS,
		Category:   log.CategoryError,
		Error:      &log.ErrorEventData{Layer: log.LayerAVSS, Message: err.Error()},
	})
}

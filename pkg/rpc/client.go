package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/anura-project/anura-go/pkg/log"
	"github.com/anura-project/anura-go/pkg/transport"
	"github.com/anura-project/anura-go/pkg/wire"
)

// Client errors.
var (
	ErrDisconnected = errors.New("rpc: disconnected")
	ErrClientClosed = errors.New("rpc: client is closed")
	ErrAlreadyOpen  = errors.New("rpc: client already connected")
	ErrProtocol     = errors.New("rpc: malformed message envelope")
)

// pingInterval is the fixed interval at which the client pings the
// Transceiver to keep the connection alive.
const pingInterval = 1 * time.Second

// RequestError wraps an APIError returned by a failed request, alongside
// the method name that failed.
type RequestError struct {
	Method string
	Err    APIError
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("rpc: request %q returned an error response: %s", e.Method, e.Err.Error())
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

type pendingResponse struct {
	err    *APIError
	result cbor.RawMessage
}

type notifSubscriber struct {
	ch chan NotificationEvent
}

// Client is a Transceiver RPC connection: a framed, CBOR-multiplexed,
// request/response-and-notification channel over a transport.Transport.
type Client struct {
	mu sync.Mutex

	transport transport.Transport
	connID    string

	pending      map[int]chan pendingResponse
	knownMethods map[string]int

	subMu       sync.Mutex
	subscribers map[*notifSubscriber]struct{}

	disconnected chan struct{}
	closeOnce    sync.Once
	closed       bool

	wg sync.WaitGroup

	logger log.Logger
}

// NewClient creates a client with no active connection. Call Connect to
// open one.
func NewClient() *Client {
	return &Client{
		pending:      make(map[int]chan pendingResponse),
		subscribers:  make(map[*notifSubscriber]struct{}),
		disconnected: make(chan struct{}),
		logger:       log.NoopLogger{},
	}
}

// SetLogger installs a protocol logger. connID tags every logged event
// (typically a UUID minted by the caller per connection).
func (c *Client) SetLogger(logger log.Logger, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if logger == nil {
		logger = log.NoopLogger{}
	}
	c.logger = logger
	c.connID = connID
}

// Connect opens the transport named by targetSpec ("tcp:host[:port]" or
// "usb:serial"), starts the receive and keep-alive loops, and discovers
// the Transceiver's method table.
func (c *Client) Connect(ctx context.Context, targetSpec string) error {
	c.mu.Lock()
	if c.transport != nil {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.mu.Unlock()

	tr, err := transport.Create(targetSpec)
	if err != nil {
		return err
	}
	if err := tr.Open(ctx); err != nil {
		return fmt.Errorf("rpc: open transport %q: %w", targetSpec, err)
	}

	c.mu.Lock()
	c.transport = tr
	c.mu.Unlock()

	c.wg.Add(2)
	go c.recvLoop()
	go c.pingLoop()

	if _, err := c.DiscoverMethods(ctx); err != nil {
		c.Close()
		return err
	}
	return nil
}

// Close tears down the connection: stops the background loops, closes the
// transport, and fails every pending request.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		tr := c.transport
		c.mu.Unlock()

		close(c.disconnected)
		if tr != nil {
			err = tr.Close()
		}
		c.wg.Wait()

		c.subMu.Lock()
		for sub := range c.subscribers {
			close(sub.ch)
		}
		c.subscribers = nil
		c.subMu.Unlock()
	})
	return err
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		payload, err := c.transport.Read()
		if err != nil {
			c.logger.Log(log.Event{
				Timestamp:    time.Now(),
				ConnectionID: c.connID,
				Direction:    log.DirectionIn,
				Layer:        log.LayerRPC,
				Category:     log.CategoryError,
				Error:        &log.ErrorEventData{Layer: log.LayerRPC, Message: err.Error()},
			})
			// Close tears this transport down from under us, so finish it
			// asynchronously: recvLoop must return (and call wg.Done) for
			// Close's own wg.Wait to ever unblock.
			go c.Close()
			return
		}

		if err := c.handleMessage(payload); err != nil {
			c.logger.Log(log.Event{
				Timestamp:    time.Now(),
				ConnectionID: c.connID,
				Direction:    log.DirectionIn,
				Layer:        log.LayerRPC,
				Category:     log.CategoryError,
				Error:        &log.ErrorEventData{Layer: log.LayerRPC, Message: err.Error()},
			})
		}
	}
}

func (c *Client) handleMessage(payload []byte) error {
	var envelope []cbor.RawMessage
	if err := wire.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(envelope) == 0 {
		return ErrProtocol
	}

	var msgType MessageType
	if err := wire.Unmarshal(envelope[0], &msgType); err != nil {
		return fmt.Errorf("%w: msg_type: %v", ErrProtocol, err)
	}

	switch msgType {
	case MessageTypeResponse:
		return c.handleResponse(envelope)
	case MessageTypeNotification:
		return c.handleNotification(envelope)
	default:
		return fmt.Errorf("%w: unexpected msg_type %d", ErrProtocol, msgType)
	}
}

func (c *Client) handleResponse(envelope []cbor.RawMessage) error {
	if len(envelope) != 4 {
		return fmt.Errorf("%w: response has %d elements, want 4", ErrProtocol, len(envelope))
	}

	var token int
	if err := wire.Unmarshal(envelope[1], &token); err != nil {
		return fmt.Errorf("%w: response token: %v", ErrProtocol, err)
	}

	var apiErr *APIError
	if err := wire.Unmarshal(envelope[2], &apiErr); err != nil {
		return fmt.Errorf("%w: response error: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	ch, ok := c.pending[token]
	c.mu.Unlock()
	if !ok {
		c.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: c.connID,
			Direction:    log.DirectionIn,
			Layer:        log.LayerRPC,
			Category:     log.CategoryError,
			Error: &log.ErrorEventData{
				Layer:   log.LayerRPC,
				Message: fmt.Sprintf("discarding response to unknown or cancelled token %d", token),
			},
		})
		return nil // response to a request we no longer care about
	}

	select {
	case ch <- pendingResponse{err: apiErr, result: envelope[3]}:
	default:
	}
	return nil
}

func (c *Client) handleNotification(envelope []cbor.RawMessage) error {
	if len(envelope) != 3 {
		return fmt.Errorf("%w: notification has %d elements, want 3", ErrProtocol, len(envelope))
	}

	var notifType string
	if err := wire.Unmarshal(envelope[1], &notifType); err != nil {
		return fmt.Errorf("%w: notification type: %v", ErrProtocol, err)
	}

	event, err := parseNotification(notifType, envelope[2])
	if err != nil {
		return err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for sub := range c.subscribers {
		select {
		case sub.ch <- event:
		default:
			c.logger.Log(log.Event{
				Timestamp:    time.Now(),
				ConnectionID: c.connID,
				Direction:    log.DirectionIn,
				Layer:        log.LayerRPC,
				Category:     log.CategoryError,
				Error: &log.ErrorEventData{
					Layer:   log.LayerRPC,
					Message: "notification subscriber queue full, dropping message",
				},
			})
		}
	}
	return nil
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.disconnected:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingInterval)
			_ = c.Ping(ctx, nil)
			cancel()
		}
	}
}

// Subscribe registers a channel that receives every notification the
// Transceiver sends until cancel is called. The channel is closed by
// cancel or when the client disconnects.
func (c *Client) Subscribe() (ch <-chan NotificationEvent, cancel func()) {
	sub := &notifSubscriber{ch: make(chan NotificationEvent, 32)}

	c.subMu.Lock()
	if c.subscribers == nil {
		c.subMu.Unlock()
		closed := make(chan NotificationEvent)
		close(closed)
		return closed, func() {}
	}
	c.subscribers[sub] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	cancelFn := func() {
		once.Do(func() {
			c.subMu.Lock()
			if _, ok := c.subscribers[sub]; ok {
				delete(c.subscribers, sub)
				close(sub.ch)
			}
			c.subMu.Unlock()
		})
	}
	return sub.ch, cancelFn
}

// allocateToken returns the lowest non-negative integer not already used
// by a pending request. Caller must hold c.mu.
func (c *Client) allocateToken() int {
	token := 0
	for {
		if _, taken := c.pending[token]; !taken {
			return token
		}
		token++
	}
}

// Request sends a method call and returns the raw CBOR result payload.
// Pass a struct pointer to Unmarshal; most callers use the typed wrapper
// methods below instead.
func (c *Client) Request(ctx context.Context, method string, arg any) (cbor.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}

	var methodID any = method
	if id, ok := c.knownMethods[method]; ok {
		methodID = id
	}

	token := c.allocateToken()
	respCh := make(chan pendingResponse, 1)
	c.pending[token] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, token)
		c.mu.Unlock()
	}()

	payload, err := wire.Marshal([]any{MessageTypeRequest, token, methodID, arg})
	if err != nil {
		return nil, fmt.Errorf("rpc: encode request %q: %w", method, err)
	}

	start := time.Now()
	if err := c.transport.Send(payload); err != nil {
		return nil, fmt.Errorf("rpc: send request %q: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.disconnected:
		return nil, ErrDisconnected
	case resp := <-respCh:
		elapsed := time.Since(start)
		c.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: c.connID,
			Direction:    log.DirectionIn,
			Layer:        log.LayerRPC,
			Category:     log.CategoryMessage,
			Message: &log.MessageEvent{
				Type:           log.MessageTypeResponse,
				Token:          &token,
				Method:         method,
				ProcessingTime: &elapsed,
			},
		})
		if resp.err != nil {
			return nil, &RequestError{Method: method, Err: *resp.err}
		}
		return resp.result, nil
	}
}

// RequestInto calls Request and decodes the result into out (which should
// be a pointer). Pass a nil out to discard the result.
func (c *Client) RequestInto(ctx context.Context, method string, arg any, out any) error {
	raw, err := c.Request(ctx, method, arg)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return wire.UnmarshalRecord(raw, out)
}

// DiscoverMethods fetches and installs the Transceiver's method name to
// numeric ID table, used to shrink subsequent requests.
func (c *Client) DiscoverMethods(ctx context.Context) (map[string]int, error) {
	raw, err := c.Request(ctx, ".well-known/methods", nil)
	if err != nil {
		return nil, err
	}
	var methods map[string]int
	if err := wire.Unmarshal(raw, &methods); err != nil {
		return nil, fmt.Errorf("rpc: decode method table: %w", err)
	}
	c.mu.Lock()
	c.knownMethods = methods
	c.mu.Unlock()
	return methods, nil
}

// Ping keeps the connection alive. arg is ignored by the Transceiver.
func (c *Client) Ping(ctx context.Context, arg any) error {
	_, err := c.Request(ctx, "ping", arg)
	return err
}

// SlowPing is like Ping but exercises a request the Transceiver answers
// only after a deliberate delay, useful for testing request timeouts.
func (c *Client) SlowPing(ctx context.Context) error {
	_, err := c.Request(ctx, "slow_ping", nil)
	return err
}

// Reboot restarts the Transceiver.
func (c *Client) Reboot(ctx context.Context) error {
	_, err := c.Request(ctx, "reboot", nil)
	return err
}

// DFUPrepare announces an incoming firmware image of the given size.
func (c *Client) DFUPrepare(ctx context.Context, size uint32) error {
	_, err := c.Request(ctx, "dfu_prepare", DfuPrepareArgs{Size: size})
	return err
}

// DFUWrite writes one chunk of firmware image data at offset.
func (c *Client) DFUWrite(ctx context.Context, offset uint32, data []byte) error {
	_, err := c.Request(ctx, "dfu_write", DfuWriteArgs{Offset: offset, Data: data})
	return err
}

// DFUChunkSize is the fixed chunk size DFUWriteImage slices a firmware
// image into.
const DFUChunkSize = 300

// DFUWriteImage writes an entire firmware image in DFUChunkSize pieces,
// logging progress as it goes.
func (c *Client) DFUWriteImage(ctx context.Context, image []byte) error {
	offset := 0
	for offset < len(image) {
		end := offset + DFUChunkSize
		if end > len(image) {
			end = len(image)
		}
		if err := c.DFUWrite(ctx, uint32(offset), image[offset:end]); err != nil {
			return err
		}
		offset = end

		c.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: c.connID,
			Direction:    log.DirectionOut,
			Layer:        log.LayerRPC,
			Category:     log.CategoryMessage,
			Message: &log.MessageEvent{
				Type:    log.MessageTypeRequest,
				Payload: fmt.Sprintf("dfu_write %d/%d (%.0f%%)", offset, len(image), float64(offset)*100/float64(len(image))),
			},
		})
	}
	return nil
}

// DFUApply applies the previously transferred firmware image. A permanent
// apply skips the rollback-on-failure window.
func (c *Client) DFUApply(ctx context.Context, permanent bool) error {
	var arg DfuApplyArgs
	if permanent {
		arg.Permanent = dfuApplyPermanentMagic
	}
	_, err := c.Request(ctx, "dfu_apply", arg)
	return err
}

// DFUConfirm confirms a non-permanent firmware apply, preventing rollback.
func (c *Client) DFUConfirm(ctx context.Context) error {
	_, err := c.Request(ctx, "dfu_confirm", nil)
	return err
}

// SetAssignedNodes replaces the set of node addresses the Transceiver
// connects to.
func (c *Client) SetAssignedNodes(ctx context.Context, addrs []wire.BluetoothAddrLE) error {
	nodes := make([]AssignedNode, len(addrs))
	for i, addr := range addrs {
		nodes[i] = AssignedNode{Address: addr}
	}
	_, err := c.Request(ctx, "set_assigned_nodes", SetAssignedNodesArgs{Nodes: nodes})
	return err
}

// GetAssignedNodes returns the configured node addresses.
func (c *Client) GetAssignedNodes(ctx context.Context) (GetAssignedNodesResult, error) {
	var result GetAssignedNodesResult
	err := c.RequestInto(ctx, "get_assigned_nodes", nil, &result)
	return result, err
}

// GetConnectedNodes returns the nodes currently connected over BLE.
func (c *Client) GetConnectedNodes(ctx context.Context) (GetConnectedNodesResult, error) {
	var result GetConnectedNodesResult
	err := c.RequestInto(ctx, "get_connected_nodes", nil, &result)
	return result, err
}

// GetDeviceInfo returns the Transceiver's identity and network info.
func (c *Client) GetDeviceInfo(ctx context.Context) (GetDeviceInfoResult, error) {
	var result GetDeviceInfoResult
	err := c.RequestInto(ctx, "get_device_info", nil, &result)
	return result, err
}

// GetDeviceStatus returns the Transceiver's uptime and reset history.
func (c *Client) GetDeviceStatus(ctx context.Context) (GetDeviceStatusResult, error) {
	var result GetDeviceStatusResult
	err := c.RequestInto(ctx, "get_device_status", nil, &result)
	return result, err
}

// GetFirmwareInfo returns the Transceiver's application and network
// firmware versions and DFU state.
func (c *Client) GetFirmwareInfo(ctx context.Context) (GetFirmwareInfoResult, error) {
	var result GetFirmwareInfoResult
	err := c.RequestInto(ctx, "get_firmware_info", nil, &result)
	return result, err
}

// GetPtpStatus returns the Transceiver's PTP clock sync status.
func (c *Client) GetPtpStatus(ctx context.Context) (GetPtpStatusResult, error) {
	var result GetPtpStatusResult
	err := c.RequestInto(ctx, "get_ptp_status", nil, &result)
	return result, err
}

// SetTime sets the Transceiver's clock, as Unix nanoseconds.
func (c *Client) SetTime(ctx context.Context, t int64) error {
	_, err := c.Request(ctx, "set_time", SetTimeArgs{Time: t})
	return err
}

// GetTime returns the Transceiver's current clock value, as Unix
// nanoseconds.
func (c *Client) GetTime(ctx context.Context) (int64, error) {
	var result GetTimeResult
	err := c.RequestInto(ctx, "get_time", nil, &result)
	return result.Time, err
}

// ScanNodes starts a BLE scan, delivering ScanNodesReceivedEvent
// notifications to subscribers until ScanNodesStop is called.
func (c *Client) ScanNodes(ctx context.Context) error {
	_, err := c.Request(ctx, "scan_nodes", nil)
	return err
}

// ScanNodesStop stops a scan started by ScanNodes.
func (c *Client) ScanNodesStop(ctx context.Context) error {
	_, err := c.Request(ctx, "scan_nodes_stop", nil)
	return err
}

// AVSSRequest forwards a raw control-point request frame to a node's AVSS
// Control Point and returns the response frame the node sent back: the
// first (and only) element of the RPC result.
func (c *Client) AVSSRequest(ctx context.Context, addr wire.BluetoothAddrLE, data []byte) ([]byte, error) {
	raw, err := c.Request(ctx, "avss_request", AVSSRequestArgs{Address: addr, Data: data})
	if err != nil {
		return nil, err
	}
	var result [][]byte
	if err := wire.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("rpc: decode avss_request result: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: avss_request returned an empty result", ErrProtocol)
	}
	return result[0], nil
}

// AVSSProgramWrite forwards a firmware transfer chunk to a node's AVSS
// Program characteristic.
func (c *Client) AVSSProgramWrite(ctx context.Context, addr wire.BluetoothAddrLE, data []byte) error {
	_, err := c.Request(ctx, "avss_program_write", AVSSProgramWriteArgs{Address: addr, Data: data})
	return err
}

// FindAVSSNodeByAddress waits for addr to be assigned and connected,
// returning once service discovery has completed for it. It returns
// immediately with (addr, nil) if the node is already connected, and
// (zero, nil) if addr isn't in the assigned-nodes list at all.
func (c *Client) FindAVSSNodeByAddress(ctx context.Context, addr wire.BluetoothAddrLE) (wire.BluetoothAddrLE, error) {
	notifications, cancel := c.Subscribe()
	defer cancel()

	assigned, err := c.GetAssignedNodes(ctx)
	if err != nil {
		return wire.BluetoothAddrLE{}, err
	}
	var isAssigned bool
	for _, node := range assigned.Nodes {
		if node.Address.Equal(addr) {
			isAssigned = true
			break
		}
	}
	if !isAssigned {
		return wire.BluetoothAddrLE{}, nil
	}

	connected, err := c.GetConnectedNodes(ctx)
	if err != nil {
		return wire.BluetoothAddrLE{}, err
	}
	for _, node := range connected.Nodes {
		if node.Address.Equal(addr) {
			return addr, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return wire.BluetoothAddrLE{}, ctx.Err()
		case event, ok := <-notifications:
			if !ok {
				return wire.BluetoothAddrLE{}, ErrDisconnected
			}
			if discovered, ok := event.(NodeServiceDiscoveredEvent); ok && discovered.Address.Equal(addr) {
				return addr, nil
			}
		}
	}
}

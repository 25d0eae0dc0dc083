package rpc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/anura-project/anura-go/pkg/log"
	"github.com/anura-project/anura-go/pkg/wire"
)

// fakeTransport is an in-memory transport.Transport used to drive Client
// against a scripted "server" goroutine instead of a real socket.
type fakeTransport struct {
	sent   chan []byte
	recv   chan []byte
	closed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:   make(chan []byte, 16),
		recv:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Open(context.Context) error { return nil }

func (f *fakeTransport) Send(payload []byte) error {
	select {
	case f.sent <- payload:
		return nil
	case <-f.closed:
		return errors.New("fakeTransport: closed")
	}
}

func (f *fakeTransport) Read() ([]byte, error) {
	select {
	case msg, ok := <-f.recv:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// newTestClient wires a Client directly to tr without going through
// Connect/transport.Create, and starts its background loops.
func newTestClient(tr *fakeTransport) *Client {
	c := &Client{
		pending:      make(map[int]chan pendingResponse),
		subscribers:  make(map[*notifSubscriber]struct{}),
		disconnected: make(chan struct{}),
		logger:       log.NoopLogger{},
		transport:    tr,
	}
	c.wg.Add(2)
	go c.recvLoop()
	go c.pingLoop()
	return c
}

type decodedRequest struct {
	token  int
	method any
}

func decodeRequest(t *testing.T, payload []byte) decodedRequest {
	t.Helper()
	var envelope []cbor.RawMessage
	if err := wire.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("decode request envelope: %v", err)
	}
	if len(envelope) != 4 {
		t.Fatalf("request envelope has %d elements, want 4", len(envelope))
	}
	var token int
	if err := wire.Unmarshal(envelope[1], &token); err != nil {
		t.Fatalf("decode request token: %v", err)
	}
	var method any
	if err := wire.Unmarshal(envelope[2], &method); err != nil {
		t.Fatalf("decode request method: %v", err)
	}
	return decodedRequest{token: token, method: method}
}

func encodeResponse(t *testing.T, token int, apiErr *APIError, result any) []byte {
	t.Helper()
	payload, err := wire.Marshal([]any{MessageTypeResponse, token, apiErr, result})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	return payload
}

func encodeNotification(t *testing.T, notifType string, arg any) []byte {
	t.Helper()
	payload, err := wire.Marshal([]any{MessageTypeNotification, notifType, arg})
	if err != nil {
		t.Fatalf("encode notification: %v", err)
	}
	return payload
}

func TestRequestResponseRoundTrip(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	defer c.Close()

	go func() {
		req := <-tr.sent
		got := decodeRequest(t, req)
		if got.method != "get_time" {
			t.Errorf("method = %v, want get_time", got.method)
		}
		tr.recv <- encodeResponse(t, got.token, nil, GetTimeResult{Time: 1234})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := c.GetTime(ctx)
	if err != nil {
		t.Fatalf("GetTime: %v", err)
	}
	if got != 1234 {
		t.Fatalf("GetTime = %d, want 1234", got)
	}
}

func TestRequestErrorResponse(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	defer c.Close()

	go func() {
		req := <-tr.sent
		got := decodeRequest(t, req)
		tr.recv <- encodeResponse(t, got.token, &APIError{Code: 7, Message: "nope"}, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Request(ctx, "reboot", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want *RequestError", err)
	}
	if reqErr.Method != "reboot" || reqErr.Err.Code != 7 {
		t.Fatalf("got %+v", reqErr)
	}
}

func TestDiscoverMethodsUsesNumericID(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	defer c.Close()

	go func() {
		req := <-tr.sent
		got := decodeRequest(t, req)
		if got.method != ".well-known/methods" {
			t.Errorf("first request method = %v", got.method)
		}
		tr.recv <- encodeResponse(t, got.token, nil, map[string]int{"ping": 42})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	methods, err := c.DiscoverMethods(ctx)
	if err != nil {
		t.Fatalf("DiscoverMethods: %v", err)
	}
	if methods["ping"] != 42 {
		t.Fatalf("methods = %v", methods)
	}

	go func() {
		req := <-tr.sent
		got := decodeRequest(t, req)
		if got.method != uint64(42) {
			t.Errorf("second request method = %v, want numeric id 42", got.method)
		}
		tr.recv <- encodeResponse(t, got.token, nil, nil)
	}()

	if err := c.Ping(ctx, nil); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestNotificationFanOut(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	defer c.Close()

	events, cancel := c.Subscribe()
	defer cancel()

	addr, err := wire.ParseBluetoothAddrLE("A1:B2:C3:D4:E5:F6/random")
	if err != nil {
		t.Fatal(err)
	}
	tr.recv <- encodeNotification(t, "node_connected", NodeConnectedEvent{Address: addr})

	select {
	case event := <-events:
		got, ok := event.(NodeConnectedEvent)
		if !ok {
			t.Fatalf("event type = %T", event)
		}
		if !got.Address.Equal(addr) {
			t.Fatalf("address = %v, want %v", got.Address, addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestNotificationFanOutUnknownType(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	defer c.Close()

	events, cancel := c.Subscribe()
	defer cancel()

	tr.recv <- encodeNotification(t, "something_new", map[string]int{"x": 1})

	select {
	case event := <-events:
		unk, ok := event.(UnknownNotification)
		if !ok {
			t.Fatalf("event type = %T", event)
		}
		if unk.Type != "something_new" {
			t.Fatalf("type = %q", unk.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestAllocateTokenReusesLowestFree(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	defer c.Close()

	c.mu.Lock()
	c.pending[0] = make(chan pendingResponse, 1)
	c.pending[1] = make(chan pendingResponse, 1)
	got := c.allocateToken()
	c.mu.Unlock()

	if got != 2 {
		t.Fatalf("allocateToken = %d, want 2", got)
	}

	c.mu.Lock()
	delete(c.pending, 0)
	got = c.allocateToken()
	c.mu.Unlock()

	if got != 0 {
		t.Fatalf("allocateToken = %d, want 0 (lowest free)", got)
	}
}

func TestRequestFailsAfterClose(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Request(ctx, "ping", nil); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("err = %v, want ErrClientClosed", err)
	}
}

func TestFindAVSSNodeByAddressNotAssigned(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	defer c.Close()

	addr, err := wire.ParseBluetoothAddrLE("A1:B2:C3:D4:E5:F6/random")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		req := <-tr.sent
		got := decodeRequest(t, req)
		tr.recv <- encodeResponse(t, got.token, nil, GetAssignedNodesResult{})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	found, err := c.FindAVSSNodeByAddress(ctx, addr)
	if err != nil {
		t.Fatalf("FindAVSSNodeByAddress: %v", err)
	}
	if !found.Equal(wire.BluetoothAddrLE{}) {
		t.Fatalf("found = %v, want zero value", found)
	}
}

func TestFindAVSSNodeByAddressAlreadyConnected(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	defer c.Close()

	addr, err := wire.ParseBluetoothAddrLE("A1:B2:C3:D4:E5:F6/random")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		req := <-tr.sent
		got := decodeRequest(t, req)
		tr.recv <- encodeResponse(t, got.token, nil, GetAssignedNodesResult{
			Nodes: []AssignedNode{{Address: addr}},
		})

		req = <-tr.sent
		got = decodeRequest(t, req)
		tr.recv <- encodeResponse(t, got.token, nil, GetConnectedNodesResult{
			Nodes: []ConnectedNode{{Address: addr, RSSI: -40}},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	found, err := c.FindAVSSNodeByAddress(ctx, addr)
	if err != nil {
		t.Fatalf("FindAVSSNodeByAddress: %v", err)
	}
	if !found.Equal(addr) {
		t.Fatalf("found = %v, want %v", found, addr)
	}
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/anura-project/anura-go/pkg/avss"
	"github.com/anura-project/anura-go/pkg/rpc"
	"github.com/anura-project/anura-go/pkg/transport"
	"github.com/anura-project/anura-go/pkg/wire"
)

// fakeTransport is the same in-memory transport.Transport harness used by
// pkg/rpc/client_test.go and pkg/rpc/proxyavss/client_test.go, letting a
// test drive a Coordinator's real rpc.Client against a scripted server
// goroutine instead of a real socket.
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

var _ transport.Transport = (*fakeTransport)(nil)

var (
	fakeTransportsMu sync.Mutex
	fakeTransports   = map[string]*fakeTransport{}
)

func init() {
	transport.Register("cotest", func(target string) (transport.Transport, error) {
		fakeTransportsMu.Lock()
		tr, ok := fakeTransports[target]
		fakeTransportsMu.Unlock()
		if !ok {
			return nil, fmt.Errorf("coordinator: no fake transport registered for %q", target)
		}
		return tr, nil
	})
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

func encodeResponse(t *testing.T, token int, apiErr *rpc.APIError, result any) []byte {
	t.Helper()
	payload, err := wire.Marshal([]any{rpc.MessageTypeResponse, token, apiErr, result})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	return payload
}

func encodeNotification(t *testing.T, notifType string, arg any) []byte {
	t.Helper()
	payload, err := wire.Marshal([]any{rpc.MessageTypeNotification, notifType, arg})
	if err != nil {
		t.Fatalf("encode notification: %v", err)
	}
	return payload
}

// getVersionResponseFrame builds a control-point response frame carrying a
// GetVersionResponse, the way a real node would answer a get_version
// request forwarded through avss_request.
func getVersionResponseFrame(t *testing.T, version string) []byte {
	t.Helper()
	body, err := wire.Marshal(wire.GetVersionResponse{Version: version, BuildVersion: "test"})
	if err != nil {
		t.Fatalf("encode GetVersionResponse: %v", err)
	}
	return append([]byte{byte(wire.OpGetVersionResponse)}, body...)
}

// serveFakeTransceiver answers every request a Coordinator's rpc.Client
// sends: the discover-methods handshake, set_assigned_nodes, avss_request
// (always with a successful get_version reply), and keep-alive pings. It
// runs until stop is closed.
func serveFakeTransceiver(t *testing.T, tr *fakeTransport, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			case req, ok := <-tr.sent:
				if !ok {
					return
				}
				got := decodeRequest(t, req)
				switch got.method {
				case ".well-known/methods":
					tr.recv <- encodeResponse(t, got.token, nil, map[string]int{})
				case "set_assigned_nodes":
					tr.recv <- encodeResponse(t, got.token, nil, nil)
				case "avss_request":
					frame := getVersionResponseFrame(t, "v1.0.0")
					tr.recv <- encodeResponse(t, got.token, nil, [][]byte{frame})
				case "ping":
					tr.recv <- encodeResponse(t, got.token, nil, nil)
				default:
					tr.recv <- encodeResponse(t, got.token, nil, nil)
				}
			}
		}
	}()
}

func mustAddr(t *testing.T, s string) wire.BluetoothAddrLE {
	t.Helper()
	addr, err := wire.ParseBluetoothAddrLE(s)
	if err != nil {
		t.Fatalf("ParseBluetoothAddrLE(%q): %v", s, err)
	}
	return addr
}

// TestCoordinatorRunDeliversReports drives a Coordinator over a fake
// transceiver transport end-to-end: connect, assign a node, poll
// get_version, call OnOpen, and fan a reassembled report out to OnReport.
func TestCoordinatorRunDeliversReports(t *testing.T) {
	tr := newFakeTransport()
	key := t.Name()
	fakeTransportsMu.Lock()
	fakeTransports[key] = tr
	fakeTransportsMu.Unlock()
	t.Cleanup(func() {
		fakeTransportsMu.Lock()
		delete(fakeTransports, key)
		fakeTransportsMu.Unlock()
	})

	stop := make(chan struct{})
	defer close(stop)
	serveFakeTransceiver(t, tr, stop)

	addr := mustAddr(t, "A1:B2:C3:D4:E5:F6/random")

	var (
		mu        sync.Mutex
		opened    bool
		reports   []avss.Report
		reportsCh = make(chan struct{}, 1)
	)

	cfg := Config{
		Transceivers: []TransceiverConfig{
			{TargetSpec: "cotest:" + key, Nodes: []wire.BluetoothAddrLE{addr}},
		},
		OnOpen: func(ctx context.Context, a wire.BluetoothAddrLE, session *avss.Session) error {
			mu.Lock()
			opened = true
			mu.Unlock()
			return nil
		},
		OnReport: func(a wire.BluetoothAddrLE, report avss.Report) {
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			select {
			case reportsCh <- struct{}{}:
			default:
			}
		},
	}

	c := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		c.Run(ctx)
	}()

	// Wait for OnOpen before sending the report, so we know the session is
	// streaming.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		o := opened
		mu.Unlock()
		if o {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for OnOpen to run")
		case <-time.After(5 * time.Millisecond):
		}
	}

	tr.recv <- encodeNotification(t, "avss_report_notified", rpc.AVSSReportNotifiedEvent{
		Address: addr,
		Value:   []byte{0xC0, 0x05, 0xAA, 0xBB}, // FIRST|LAST, seg 0
	})

	select {
	case <-reportsCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnReport")
	}

	mu.Lock()
	gotReports := append([]avss.Report(nil), reports...)
	mu.Unlock()
	if len(gotReports) != 1 {
		t.Fatalf("len(reports) = %d, want 1", len(gotReports))
	}
	if byte(gotReports[0].ReportType) != 0x05 {
		t.Errorf("ReportType = %#x, want 0x05", byte(gotReports[0].ReportType))
	}
	if string(gotReports[0].PayloadCBOR) != string([]byte{0xAA, 0xBB}) {
		t.Errorf("PayloadCBOR = %v, want [0xAA 0xBB]", gotReports[0].PayloadCBOR)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestCoordinatorRunStopsOnContextCancel verifies Run returns promptly once
// its context is cancelled, even with no nodes configured.
func TestCoordinatorRunStopsOnContextCancel(t *testing.T) {
	tr := newFakeTransport()
	key := t.Name()
	fakeTransportsMu.Lock()
	fakeTransports[key] = tr
	fakeTransportsMu.Unlock()
	t.Cleanup(func() {
		fakeTransportsMu.Lock()
		delete(fakeTransports, key)
		fakeTransportsMu.Unlock()
	})

	stop := make(chan struct{})
	defer close(stop)
	serveFakeTransceiver(t, tr, stop)

	cfg := Config{
		Transceivers: []TransceiverConfig{
			{TargetSpec: "cotest:" + key},
		},
	}
	c := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		c.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond) // let runTransceiver connect
	cancel()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

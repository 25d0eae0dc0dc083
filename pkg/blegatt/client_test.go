package blegatt

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeGATTClient struct {
	connected        bool
	subscribers      map[uuid.UUID]func([]byte)
	onDisconnect     func()
	writes           [][]byte
	suppressResponse bool
}

func newFakeGATTClient() *fakeGATTClient {
	return &fakeGATTClient{subscribers: make(map[uuid.UUID]func([]byte))}
}

func (f *fakeGATTClient) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeGATTClient) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeGATTClient) OnDisconnected(fn func()) {
	f.onDisconnect = fn
}

func (f *fakeGATTClient) Subscribe(characteristic uuid.UUID, fn func(value []byte)) error {
	f.subscribers[characteristic] = fn
	return nil
}

func (f *fakeGATTClient) WriteWithResponse(ctx context.Context, characteristic uuid.UUID, value []byte) error {
	f.writes = append(f.writes, value)
	if characteristic == ControlPointUUID && !f.suppressResponse {
		if fn, ok := f.subscribers[ControlPointUUID]; ok {
			go fn([]byte{0x01, byte(value[0]), 0x00})
		}
	}
	return nil
}

func (f *fakeGATTClient) WriteWithoutResponse(ctx context.Context, characteristic uuid.UUID, value []byte) error {
	f.writes = append(f.writes, value)
	return nil
}

type fakeSink struct {
	segments []byte
	program  [][]byte
}

func (s *fakeSink) HandleReportSegment(segment []byte) {
	s.segments = append(s.segments, segment...)
}

func (s *fakeSink) HandleProgramNotify(data []byte) {
	s.program = append(s.program, data)
}

func TestChannelRequestRaw(t *testing.T) {
	gatt := newFakeGATTClient()
	ch := NewChannel(gatt)
	sink := &fakeSink{}

	if err := ch.Connect(context.Background(), sink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !gatt.connected {
		t.Fatal("expected underlying GATT client to be connected")
	}

	resp, err := ch.RequestRaw(context.Background(), []byte{0x05}, time.Second)
	if err != nil {
		t.Fatalf("RequestRaw() error = %v", err)
	}
	if len(resp) != 3 || resp[1] != 0x05 {
		t.Fatalf("RequestRaw() = %v, want echo of opcode 0x05", resp)
	}
}

func TestChannelRequestRawTimesOutWithoutResponse(t *testing.T) {
	gatt := newFakeGATTClient()
	gatt.suppressResponse = true
	ch := NewChannel(gatt)
	sink := &fakeSink{}
	if err := ch.Connect(context.Background(), sink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ch.RequestRaw(ctx, []byte{0x01}, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected RequestRaw() to fail when no response is indicated")
	}
}

func TestChannelDisconnectClosesDisconnected(t *testing.T) {
	gatt := newFakeGATTClient()
	ch := NewChannel(gatt)
	sink := &fakeSink{}
	if err := ch.Connect(context.Background(), sink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	gatt.onDisconnect()

	select {
	case <-ch.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("Disconnected() channel was not closed")
	}
}

func TestChannelReportAndProgramFanOut(t *testing.T) {
	gatt := newFakeGATTClient()
	ch := NewChannel(gatt)
	sink := &fakeSink{}
	if err := ch.Connect(context.Background(), sink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	gatt.subscribers[ReportUUID]([]byte{0xAA, 0xBB})
	gatt.subscribers[ProgramUUID]([]byte{0x00, 0x00, 0x00, 0x10})

	if string(sink.segments) != string([]byte{0xAA, 0xBB}) {
		t.Errorf("segments = %v, want [0xAA 0xBB]", sink.segments)
	}
	if len(sink.program) != 1 {
		t.Fatalf("len(program) = %d, want 1", len(sink.program))
	}
}

func TestChannelProgramWrite(t *testing.T) {
	gatt := newFakeGATTClient()
	ch := NewChannel(gatt)
	sink := &fakeSink{}
	if err := ch.Connect(context.Background(), sink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := ch.ProgramWrite(context.Background(), []byte{0x00, 0x00, 0x00, 0x00, 0xFF}); err != nil {
		t.Fatalf("ProgramWrite() error = %v", err)
	}
	if len(gatt.writes) == 0 {
		t.Fatal("expected a write to be recorded")
	}
}

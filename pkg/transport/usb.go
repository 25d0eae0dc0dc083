package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

// USB device identity, per the Anura USB transport.
const (
	usbVendorID     = 0x16D0
	usbProductID    = 0x13D4
	usbOutEndpoint  = 0x01
	usbInEndpoint   = 0x81
	usbMaxPacket    = 64
	usbFlushTimeout = 50 * time.Millisecond
	usbSendTimeout  = 1000 * time.Millisecond
)

func init() {
	Register("usb", func(target string) (Transport, error) {
		return NewUSBTransport(target), nil
	})
}

// USBTransport is a Transceiver connection over USB bulk endpoints,
// addressed by serial number. Messages are framed the same way as TCP (a
// 2-byte big-endian length prefix) but segmented into usbMaxPacket-sized
// bulk packets on the wire.
type USBTransport struct {
	serial string

	ctx     *gousb.Context
	dev     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	out     *gousb.OutEndpoint
	in      *gousb.InEndpoint

	recvCh chan []byte
	errCh  chan error
	stopCh chan struct{}
	wg     sync.WaitGroup

	readCtx    context.Context
	cancelRead context.CancelFunc

	closeOnce sync.Once
}

// NewUSBTransport creates a USB transport that will connect to the device
// with the given serial number. Call Open to enumerate and claim it.
func NewUSBTransport(serial string) *USBTransport {
	return &USBTransport{serial: serial}
}

// ListUSBDevices enumerates the serial numbers of attached Anura USB
// transceivers.
func ListUSBDevices() ([]string, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var serials []string
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(usbVendorID) && desc.Product == gousb.ID(usbProductID)
	})
	if err != nil {
		return nil, fmt.Errorf("transport: usb enumeration: %w", err)
	}
	for _, d := range devs {
		if serial, err := d.SerialNumber(); err == nil {
			serials = append(serials, serial)
		}
		d.Close()
	}
	return serials, nil
}

// Open finds the device by serial, claims its interface, flushes any
// stale data on the IN endpoint, and starts the background reader.
func (t *USBTransport) Open(ctx context.Context) error {
	t.ctx = gousb.NewContext()

	devs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(usbVendorID) && desc.Product == gousb.ID(usbProductID)
	})
	if err != nil {
		t.ctx.Close()
		return fmt.Errorf("transport: usb enumeration: %w", err)
	}

	var match *gousb.Device
	for _, d := range devs {
		serial, serr := d.SerialNumber()
		if serr == nil && serial == t.serial {
			match = d
			continue
		}
		d.Close()
	}
	if match == nil {
		t.ctx.Close()
		return fmt.Errorf("transport: no usb device with serial %q", t.serial)
	}
	t.dev = match

	if err := t.dev.SetAutoDetach(true); err != nil {
		t.teardown()
		return fmt.Errorf("transport: usb set auto detach: %w", err)
	}

	cfg, err := t.dev.Config(1)
	if err != nil {
		t.teardown()
		return fmt.Errorf("transport: usb claim config: %w", err)
	}
	t.cfg = cfg

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		t.teardown()
		return fmt.Errorf("transport: usb claim interface: %w", err)
	}
	t.intf = intf

	out, err := intf.OutEndpoint(usbOutEndpoint)
	if err != nil {
		t.teardown()
		return fmt.Errorf("transport: usb out endpoint: %w", err)
	}
	t.out = out

	in, err := intf.InEndpoint(usbInEndpoint)
	if err != nil {
		t.teardown()
		return fmt.Errorf("transport: usb in endpoint: %w", err)
	}
	t.in = in

	t.flushInEndpoint()

	t.recvCh = make(chan []byte, 16)
	t.errCh = make(chan error, 1)
	t.stopCh = make(chan struct{})
	t.readCtx, t.cancelRead = context.WithCancel(context.Background())
	t.wg.Add(1)
	go t.backgroundReader()

	return nil
}

// flushInEndpoint drains any bytes buffered on the device before the
// session starts, bounded by usbFlushTimeout per read attempt.
func (t *USBTransport) flushInEndpoint() {
	buf := make([]byte, usbMaxPacket)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), usbFlushTimeout)
		stream, err := t.in.NewStream(usbMaxPacket, 1)
		if err != nil {
			cancel()
			return
		}
		n, err := stream.ReadContext(ctx, buf)
		stream.Close()
		cancel()
		if err != nil || n == 0 {
			return
		}
	}
}

// backgroundReader accumulates raw bulk packets into length-prefixed
// messages and delivers each complete message to recvCh.
func (t *USBTransport) backgroundReader() {
	defer t.wg.Done()

	stream, err := t.in.NewStream(usbMaxPacket, 4)
	if err != nil {
		select {
		case t.errCh <- fmt.Errorf("transport: usb stream open: %w", err):
		default:
		}
		return
	}
	defer stream.Close()

	var buf []byte
	chunk := make([]byte, usbMaxPacket)

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		n, err := stream.ReadContext(t.readCtx, chunk)
		if err != nil {
			select {
			case <-t.stopCh:
				// Cancellation on Close, not a real transport error.
			default:
				select {
				case t.errCh <- err:
				default:
				}
			}
			return
		}
		buf = append(buf, chunk[:n]...)

		var msgs [][]byte
		msgs, buf = extractFrames(buf)
		for _, msg := range msgs {
			select {
			case t.recvCh <- msg:
			case <-t.stopCh:
				return
			}
		}
	}
}

// extractFrames pulls as many complete length-prefixed frames out of buf as
// possible, returning them along with the unconsumed remainder.
func extractFrames(buf []byte) (frames [][]byte, remainder []byte) {
	for len(buf) >= LengthPrefixSize {
		length := binary.BigEndian.Uint16(buf[:LengthPrefixSize])
		total := LengthPrefixSize + int(length)
		if len(buf) < total {
			break
		}
		msg := make([]byte, length)
		copy(msg, buf[LengthPrefixSize:total])
		frames = append(frames, msg)
		buf = buf[total:]
	}
	return frames, buf
}

// Send writes a length-prefixed frame to the OUT endpoint.
func (t *USBTransport) Send(payload []byte) error {
	if uint32(len(payload)) > DefaultMaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), DefaultMaxMessageSize)
	}

	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint16(frame[:LengthPrefixSize], uint16(len(payload)))
	copy(frame[LengthPrefixSize:], payload)

	ctx, cancel := context.WithTimeout(context.Background(), usbSendTimeout)
	defer cancel()

	stream, err := t.out.NewStream(usbMaxPacket, 1)
	if err != nil {
		return fmt.Errorf("transport: usb stream open: %w", err)
	}
	defer stream.Close()

	if _, err := stream.WriteContext(ctx, frame); err != nil {
		return fmt.Errorf("transport: usb write: %w", err)
	}
	return nil
}

// Read blocks until the next complete message arrives.
func (t *USBTransport) Read() ([]byte, error) {
	select {
	case msg, ok := <-t.recvCh:
		if !ok {
			return nil, errors.New("transport: usb transport closed")
		}
		return msg, nil
	case err := <-t.errCh:
		return nil, err
	}
}

// Close stops the background reader, releases the USB interface, and
// closes the receive queue so any blocked Read returns an error.
func (t *USBTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stopCh)
		if t.cancelRead != nil {
			t.cancelRead()
		}
		t.wg.Wait()
		t.teardown()
		if t.recvCh != nil {
			close(t.recvCh)
		}
	})
	return nil
}

func (t *USBTransport) teardown() {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
}

var _ Transport = (*USBTransport)(nil)

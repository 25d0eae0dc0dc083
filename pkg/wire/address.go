package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// AddrType is the Bluetooth LE address type.
type AddrType uint8

const (
	AddrTypePublic AddrType = 0
	AddrTypeRandom AddrType = 1
)

// String returns the address type name.
func (t AddrType) String() string {
	switch t {
	case AddrTypePublic:
		return "public"
	case AddrTypeRandom:
		return "random"
	default:
		return "unknown"
	}
}

// BluetoothAddrLE is a Bluetooth LE device address: an address-type tag and
// six raw address bytes. It marshals as a 2-element CBOR array, matching the
// node-side encoding.
type BluetoothAddrLE struct {
	_    struct{} `cbor:",toarray"`
	Type AddrType
	Addr [6]byte
}

// ParseBluetoothAddrLE parses "AA:BB:CC:DD:EE:FF[/public|/random]". Hyphen or
// colon octet separators are accepted case-insensitively; the type suffix
// defaults to public when absent.
func ParseBluetoothAddrLE(s string) (BluetoothAddrLE, error) {
	body := s
	addrType := AddrTypePublic

	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		body = s[:idx]
		switch strings.ToLower(s[idx+1:]) {
		case "public":
			addrType = AddrTypePublic
		case "random":
			addrType = AddrTypeRandom
		default:
			return BluetoothAddrLE{}, fmt.Errorf("%w: unknown address type in %q", ErrInvalidAddress, s)
		}
	}

	body = strings.ReplaceAll(body, "-", ":")
	octets := strings.Split(body, ":")
	if len(octets) != 6 {
		return BluetoothAddrLE{}, fmt.Errorf("%w: %q does not have 6 octets", ErrInvalidAddress, s)
	}

	var addr [6]byte
	for i, octet := range octets {
		v, err := strconv.ParseUint(octet, 16, 8)
		if err != nil {
			return BluetoothAddrLE{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
		}
		addr[i] = byte(v)
	}

	return BluetoothAddrLE{Type: addrType, Addr: addr}, nil
}

// String renders the address canonically: upper-hex colon-joined octets
// followed by the type suffix.
func (a BluetoothAddrLE) String() string {
	var b strings.Builder
	for i, octet := range a.Addr {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	b.WriteByte('/')
	b.WriteString(a.Type.String())
	return b.String()
}

// Equal reports whether two addresses have equal type and bytes.
func (a BluetoothAddrLE) Equal(other BluetoothAddrLE) bool {
	return a.Type == other.Type && a.Addr == other.Addr
}

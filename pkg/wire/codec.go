package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode used for every AVSS/RPC payload.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode used for every AVSS/RPC payload.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to build CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to build CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to canonical CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeControlRequest builds an AVSS control-point request frame:
// byte[0] = opcode, byte[1..] = CBOR-encoded argument (cbor nil if arg is nil).
func EncodeControlRequest(opcode Opcode, arg any) ([]byte, error) {
	body, err := Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode control request argument: %w", err)
	}
	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, byte(opcode))
	frame = append(frame, body...)
	return frame, nil
}

// ControlResponse is a decoded AVSS control-point response frame. When
// Opcode == OpResponseCode it is a generic status response (RequestOpcode,
// ResponseCode valid); otherwise it carries a typed record whose CBOR body
// is Body.
type ControlResponse struct {
	Opcode        Opcode
	RequestOpcode Opcode
	ResponseCode  ResponseCode
	Body          []byte
}

// DecodeControlResponse parses a control-point response frame.
func DecodeControlResponse(frame []byte) (*ControlResponse, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("%w: empty control-point response frame", ErrProtocol)
	}
	opcode := Opcode(frame[0])
	if opcode == OpResponseCode {
		if len(frame) < 3 {
			return nil, fmt.Errorf("%w: status response frame too short", ErrProtocol)
		}
		return &ControlResponse{
			Opcode:        opcode,
			RequestOpcode: Opcode(frame[1]),
			ResponseCode:  ResponseCode(frame[2]),
		}, nil
	}
	return &ControlResponse{Opcode: opcode, Body: frame[1:]}, nil
}

// Segment is a decoded report segment frame.
type Segment struct {
	First   bool
	Last    bool
	Number  byte
	Payload []byte
}

// EncodeSegment builds a report segment frame: byte[0] = header, byte[1..] = payload.
func EncodeSegment(s Segment) []byte {
	hdr := s.Number & SegmentNumberMask
	if s.First {
		hdr |= SegmentFirst
	}
	if s.Last {
		hdr |= SegmentLast
	}
	frame := make([]byte, 0, 1+len(s.Payload))
	frame = append(frame, hdr)
	frame = append(frame, s.Payload...)
	return frame
}

// DecodeSegment parses a report segment frame.
func DecodeSegment(frame []byte) (Segment, error) {
	if len(frame) < 1 {
		return Segment{}, fmt.Errorf("%w: empty report segment frame", ErrProtocol)
	}
	hdr := frame[0]
	return Segment{
		First:   hdr&SegmentFirst != 0,
		Last:    hdr&SegmentLast != 0,
		Number:  hdr & SegmentNumberMask,
		Payload: frame[1:],
	}, nil
}

// EncodeProgramFrame builds a program write frame: u32-LE offset || chunk.
func EncodeProgramFrame(offset uint32, chunk []byte) []byte {
	frame := make([]byte, 4+len(chunk))
	binary.LittleEndian.PutUint32(frame[:4], offset)
	copy(frame[4:], chunk)
	return frame
}

// DecodeProgramNotify parses a program NACK notification: u32-LE offset.
func DecodeProgramNotify(frame []byte) (uint32, error) {
	if len(frame) != 4 {
		return 0, fmt.Errorf("%w: program notification must be 4 bytes, got %d", ErrProtocol, len(frame))
	}
	return binary.LittleEndian.Uint32(frame), nil
}

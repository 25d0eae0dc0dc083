package avss

import (
	"errors"
	"fmt"

	"github.com/anura-project/anura-go/pkg/wire"
)

// Sentinel errors returned by Session.
var (
	// ErrDisconnected indicates the underlying channel closed while an
	// await was pending.
	ErrDisconnected = errors.New("avss: disconnected")

	// ErrProtocolError indicates a malformed frame, unknown response
	// opcode, or CBOR shape mismatch on a required field.
	ErrProtocolError = errors.New("avss: protocol error")

	// ErrControlPointTimeout indicates no control-point response arrived
	// within the deadline.
	ErrControlPointTimeout = errors.New("avss: control point request timed out")

	// ErrTransferAborted indicates the node signalled an abort (offset
	// 0xFFFFFFFF) during a firmware transfer.
	ErrTransferAborted = errors.New("avss: firmware transfer aborted by node")
)

// ControlPointError mirrors a non-OK ResponseCode returned by a
// control-point request.
type ControlPointError struct {
	Code wire.ResponseCode
}

func (e *ControlPointError) Error() string {
	return fmt.Sprintf("avss: control point error: %s", e.Code)
}

// controlPointErrorFromCode builds the typed error for a non-OK response
// code. ResponseOK is itself treated as a bad argument to this function,
// matching AVSSControlPointError.from_response_code's behavior on the
// Python client.
func controlPointErrorFromCode(code wire.ResponseCode) error {
	if code == wire.ResponseOK {
		return fmt.Errorf("avss: response code %s is not an error", code)
	}
	return &ControlPointError{Code: code}
}

// IsBusy reports whether err is a control-point Busy response.
func IsBusy(err error) bool {
	var cpe *ControlPointError
	return errors.As(err, &cpe) && cpe.Code == wire.ResponseBusy
}

// IsOpCodeUnsupported reports whether err is a control-point
// OpCodeUnsupported response.
func IsOpCodeUnsupported(err error) bool {
	var cpe *ControlPointError
	return errors.As(err, &cpe) && cpe.Code == wire.ResponseOpCodeUnsupported
}

// IsBadArgument reports whether err is a control-point BadArgument
// response.
func IsBadArgument(err error) bool {
	var cpe *ControlPointError
	return errors.As(err, &cpe) && cpe.Code == wire.ResponseBadArgument
}

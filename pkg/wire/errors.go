package wire

import "errors"

var (
	// ErrProtocol indicates a malformed frame or an unexpected opcode.
	ErrProtocol = errors.New("avss: protocol error")

	// ErrInvalidAddress indicates a Bluetooth address string failed to parse.
	ErrInvalidAddress = errors.New("avss: invalid bluetooth address")

	// ErrInvalidSettingKey indicates a settings key could not be mapped to
	// a numeric tag.
	ErrInvalidSettingKey = errors.New("avss: invalid setting key")

	// ErrMissingField indicates a record's required field was absent from
	// the CBOR map being unmarshalled.
	ErrMissingField = errors.New("avss: missing required field")

	// ErrTypeMismatch indicates a record was unmarshalled from a CBOR value
	// that was not a map.
	ErrTypeMismatch = errors.New("avss: type mismatch")
)

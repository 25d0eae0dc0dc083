// Package transport provides the Transceiver client transports: TCP and
// USB, both framed with a 2-byte big-endian length prefix carrying
// CBOR-encoded RPC messages.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      CBOR RPC Messages         │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (2B)   │
//	├────────────────────────────────┤
//	│         TCP or USB             │
//	└────────────────────────────────┘
//
// A Transport is created from a target spec string ("tcp:host[:port]" or
// "usb:serial") via Create, which dispatches to the scheme registered by
// the concrete implementation in this package.
package transport

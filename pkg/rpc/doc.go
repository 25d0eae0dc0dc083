// Package rpc implements the Transceiver RPC client: a bidirectional,
// CBOR-multiplexed request/response-and-notification protocol carried
// over a pkg/transport connection. Every message is a CBOR array whose
// first element is a MessageType; requests and responses correlate via a
// lowest-free-integer token, and the method table fetched from
// ".well-known/methods" lets later requests use a compact numeric method
// ID instead of the full method name.
package rpc

// Package wire implements the AVSS control-point/report/program framing and
// the declarative CBOR marshalling shared by the direct-BLE and proxy
// bindings.
package wire

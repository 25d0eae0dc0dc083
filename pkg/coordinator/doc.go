// Package coordinator supervises one or more Transceiver connections,
// assigning each its configured AVSS nodes and routing their reassembled
// reports to a sink, reconnecting on failure, with a fixed 1s retry and
// per-node session fan-out.
package coordinator

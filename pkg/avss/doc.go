// Package avss implements the Anura Vibration Sensing Service client core:
// control-point request/response framing, segmented report reassembly, and
// firmware transfer backpressure. It is abstract over how the three AVSS
// channels (control point, report, program) are physically carried; see
// Channel.
package avss

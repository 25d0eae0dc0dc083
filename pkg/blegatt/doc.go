// Package blegatt implements the direct-BLE binding of the AVSS channel
// triple: it maps Control Point, Report, and Program characteristic
// primitives onto an avss.Channel.
//
// No BLE library appears in any example repo's go.mod, so GATTClient below
// is the seam a concrete stack (e.g. tinygo.org/x/bluetooth) implements;
// tests exercise Channel against an in-memory fake rather than a live BLE
// adapter.
package blegatt

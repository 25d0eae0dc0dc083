// Command anura is a reference CLI for managing Anura Vibration Sensing
// Service (AVSS) nodes, directly or through a Transceiver.
//
// Usage:
//
//	anura avss <subcommand> [flags]
//	anura transceiver <subcommand> [flags]
//
// avss subcommands: scan, upgrade, get_version, reset, throughput,
// read_settings, write_settings, deactivate, health_report,
// get_firmware_info, trigger_measurement, quick_measurement.
//
// transceiver subcommands: browse, set_assigned_nodes, get_assigned_nodes,
// get_connected_nodes, avss_throughput, get_device_info, get_device_status,
// get_firmware_info, get_ptp_status, get_time, set_time, reset, upgrade,
// scan.
//
// Every avss subcommand except scan requires --address and, unless talking
// directly to a local BLE adapter, --transceiver. Since no BLE stack ships
// with this module (pkg/blegatt.GATTClient is an interface only, grounded
// on there being no BLE library in any reference repo's go.mod), avss
// subcommands here only support the --transceiver proxy path; omitting
// --transceiver reports that a direct adapter is not built into this
// binary.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "avss":
		err = runAVSS(os.Args[2:])
	case "transceiver":
		err = runTransceiver(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: anura <avss|transceiver> <subcommand> [flags]

avss subcommands:
  scan get_version reset throughput read_settings write_settings
  deactivate health_report get_firmware_info trigger_measurement
  quick_measurement upgrade

transceiver subcommands:
  browse set_assigned_nodes get_assigned_nodes get_connected_nodes
  avss_throughput get_device_info get_device_status get_firmware_info
  get_ptp_status get_time set_time reset upgrade scan

Run "anura avss get_version -interactive --transceiver HOST --address ADDR" for a
readline-driven session against one node.`)
}

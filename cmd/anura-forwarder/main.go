// Command anura-forwarder demonstrates a long-running supervisor that
// keeps a set of Transceivers connected, opens a proxy AVSS session to
// every node assigned to them, and republishes health and snippet
// reports.
//
// This example shows how to:
//   - Reconnect to a Transceiver on connection loss
//   - Assign nodes to a Transceiver and open a proxy AVSS session per node
//   - Apply node settings once on session open
//   - Republish incoming reports to an external sink
//
// Usage:
//
//	go run ./cmd/anura-forwarder --config forwarder.yaml
//
// No MQTT client library ships with this module (none of the reference
// repositories vendor one), so the forwarder's Publisher is an interface
// callers can satisfy with any broker client; the built-in
// stdoutPublisher just prints "topic payload" lines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("Anura Report Forwarder")
	log.Println("======================")

	configPath := flag.String("config", "", "Configuration file path (YAML)")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("--config is required")
	}

	cfg, err := loadForwarderConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fwd := NewForwarder(cfg, stdoutPublisher{})
	if err := fwd.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Forwarder stopped: %v", err)
	}
	fmt.Println("Shutting down.")
}

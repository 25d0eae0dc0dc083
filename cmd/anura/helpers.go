package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/anura-project/anura-go/pkg/avss"
	"github.com/anura-project/anura-go/pkg/rpc"
	"github.com/anura-project/anura-go/pkg/rpc/proxyavss"
	"github.com/anura-project/anura-go/pkg/wire"
)

func readFirmwareImage(path string) ([]byte, error) {
	return os.ReadFile(filepath.Clean(path))
}

// throughputOneNode opens a proxy AVSS session to addr over an
// already-connected transceiver client, runs one throughput test, and
// prints its result.
func throughputOneNode(ctx context.Context, client *rpc.Client, addr wire.BluetoothAddrLE, durationSeconds int) error {
	channel := proxyavss.NewChannel(client, addr)
	session := avss.NewSession(channel)
	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer session.Disconnect()

	reports, stop := session.Reports(false)
	defer stop()

	if err := session.TestThroughput(ctx, durationSeconds*1000); err != nil {
		return err
	}

	select {
	case item := <-reports:
		report := item.(avss.Report)
		printThroughput(report.TransferInfo)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

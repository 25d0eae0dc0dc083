package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/anura-project/anura-go/pkg/avss"
	"github.com/chzyer/readline"
)

// runInteractive opens a readline REPL against an already-connected AVSS
// node, offering a handful of commands useful while bringing one node up
// on a bench. It is the only -interactive entry point; there is no
// equivalent for raw transceiver subcommands.
func runInteractive(ctx context.Context, sess *avssSession) error {
	rl, err := readline.New(fmt.Sprintf("anura(%s)> ", sess.addr.String()))
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	fmt.Println(`Commands: version, reset, throughput <seconds>, quick, health, quit`)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if err := dispatchInteractive(ctx, sess, fields); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

func dispatchInteractive(ctx context.Context, sess *avssSession, fields []string) error {
	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "version":
		resp, err := sess.node.GetVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s (build %s)\n", resp.Version, resp.BuildVersion)
		return nil
	case "reset":
		return sess.node.Reboot(ctx)
	case "throughput":
		seconds := 1
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return err
			}
			seconds = n
		}
		reports, stop := sess.node.Reports(false)
		defer stop()
		if err := sess.node.TestThroughput(ctx, seconds*1000); err != nil {
			return err
		}
		select {
		case item := <-reports:
			printThroughput(item.(avss.Report).TransferInfo)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case "quick":
		reports, stop := sess.node.Reports(false)
		defer stop()
		if err := sess.node.ReportSnippet(ctx, 0, false); err != nil {
			return err
		}
		select {
		case item := <-reports:
			printThroughput(item.(avss.Report).TransferInfo)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case "health":
		reports, stop := sess.node.Reports(true)
		defer stop()
		if err := sess.node.ReportHealthActive(ctx, true); err != nil {
			return err
		}
		select {
		case <-reports:
			fmt.Println("health report received")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

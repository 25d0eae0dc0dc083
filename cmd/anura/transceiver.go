package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/anura-project/anura-go/pkg/discovery"
	"github.com/anura-project/anura-go/pkg/rpc"
	"github.com/anura-project/anura-go/pkg/wire"
)

func runTransceiver(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing transceiver subcommand")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "browse":
		return transceiverBrowse(rest)
	case "set_assigned_nodes":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, args []string) error {
			nodes := make([]wire.BluetoothAddrLE, 0, len(args))
			for _, a := range args {
				addr, err := wire.ParseBluetoothAddrLE(a)
				if err != nil {
					return err
				}
				nodes = append(nodes, addr)
			}
			if err := c.SetAssignedNodes(ctx, nodes); err != nil {
				return err
			}
			fmt.Printf("Assigned %d node(s).\n", len(nodes))
			return nil
		})
	case "get_assigned_nodes":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, _ []string) error {
			resp, err := c.GetAssignedNodes(ctx)
			if err != nil {
				return err
			}
			for _, n := range resp.Nodes {
				fmt.Println(n.Address.String())
			}
			return nil
		})
	case "get_connected_nodes":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, _ []string) error {
			resp, err := c.GetConnectedNodes(ctx)
			if err != nil {
				return err
			}
			for _, n := range resp.Nodes {
				fmt.Printf("%s RSSI=%d\n", n.Address.String(), n.RSSI)
			}
			return nil
		})
	case "get_device_info":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, _ []string) error {
			resp, err := c.GetDeviceInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Board:   %s (rev %d)\n", resp.Board, resp.HWRev)
			fmt.Printf("App:     %s (build %s)\n", resp.AppVersion, resp.AppBuildVersion)
			fmt.Printf("Serial:  %s\n", resp.SerialNumber)
			fmt.Printf("Host:    %s\n", resp.Hostname)
			return nil
		})
	case "get_device_status":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, _ []string) error {
			resp, err := c.GetDeviceStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Uptime: %d s, reboots: %d, reset cause: %d\n", resp.Uptime, resp.RebootCount, resp.ResetCause)
			return nil
		})
	case "get_firmware_info":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, _ []string) error {
			resp, err := c.GetFirmwareInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("DFU status %d, app %d (build %s), net %d (build %s)\n",
				resp.DFUStatus, resp.AppVersion, resp.AppBuildVersion, resp.NetVersion, resp.NetBuildVersion)
			return nil
		})
	case "get_ptp_status":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, _ []string) error {
			resp, err := c.GetPtpStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("State: %s, offset: %d ns, delay: %d ns\n", resp.PortState, resp.Offset, resp.Delay)
			return nil
		})
	case "get_time":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, _ []string) error {
			t, err := c.GetTime(ctx)
			if err != nil {
				return err
			}
			fmt.Println(time.Unix(t, 0).UTC().Format(time.RFC3339))
			return nil
		})
	case "set_time":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, _ []string) error {
			return c.SetTime(ctx, time.Now().Unix())
		})
	case "reset":
		return transceiverSimple(rest, func(ctx context.Context, c *rpc.Client, _ []string) error {
			return c.Reboot(ctx)
		})
	case "upgrade":
		return transceiverUpgrade(rest)
	case "scan":
		return transceiverScan(rest)
	case "avss_throughput":
		return transceiverAVSSThroughput(rest)
	default:
		return fmt.Errorf("unknown transceiver subcommand %q", sub)
	}
}

func transceiverFlags(fs *flag.FlagSet) *string {
	return fs.String("transceiver", "", "Hostname, IP address, or usb:<serial> of the transceiver")
}

func connectTransceiver(ctx context.Context, target string) (*rpc.Client, error) {
	if target == "" {
		return nil, fmt.Errorf("missing --transceiver")
	}
	c := rpc.NewClient()
	if err := c.Connect(ctx, target); err != nil {
		return nil, fmt.Errorf("connect to transceiver %s: %w", target, err)
	}
	return c, nil
}

// transceiverSimple parses the shared --transceiver flag, connects, runs
// fn with the remaining positional args, and tears the connection down.
func transceiverSimple(args []string, fn func(ctx context.Context, c *rpc.Client, rest []string) error) error {
	fs := flag.NewFlagSet("transceiver", flag.ExitOnError)
	target := transceiverFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	client, err := connectTransceiver(ctx, *target)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client, fs.Args())
}

func transceiverBrowse([]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), discovery.BrowseTimeout)
	defer cancel()

	browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{})
	services, err := browser.Browse(ctx)
	if err != nil {
		return fmt.Errorf("browse: %w", err)
	}

	fmt.Println("Browsing for transceivers, press Ctrl+C to stop...")
	for svc := range services {
		fmt.Printf("%s  %s  %s\n", svc.InstanceName, svc.TargetSpec(), strings.Join(svc.Addresses, ","))
	}
	return nil
}

func transceiverUpgrade(args []string) error {
	fs := flag.NewFlagSet("transceiver upgrade", flag.ExitOnError)
	target := transceiverFlags(fs)
	file := fs.String("file", "", "Path to firmware image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	image, err := readFirmwareImage(*file)
	if err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	client, err := connectTransceiver(ctx, *target)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DFUPrepare(ctx, uint32(len(image))); err != nil {
		return err
	}
	if err := client.DFUWriteImage(ctx, image); err != nil {
		return err
	}
	if err := client.DFUApply(ctx, true); err != nil {
		return err
	}

	fmt.Println("Waiting for the transceiver to reboot into new firmware...")
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	for deadline := time.Now().Add(55 * time.Second); time.Now().Before(deadline); {
		if err := client.DFUConfirm(ctx); err == nil {
			fmt.Println("Upgrade confirmed.")
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("timed out confirming upgrade")
}

func transceiverScan(args []string) error {
	fs := flag.NewFlagSet("transceiver scan", flag.ExitOnError)
	target := transceiverFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	client, err := connectTransceiver(ctx, *target)
	if err != nil {
		return err
	}
	defer client.Close()

	events, stopSub := client.Subscribe()
	defer stopSub()

	if err := client.ScanNodes(ctx); err != nil {
		return err
	}
	defer client.ScanNodesStop(context.Background())

	fmt.Println("Scanning, press Ctrl+C to stop...")
	for {
		select {
		case evt := <-events:
			if found, ok := evt.(rpc.ScanNodesReceivedEvent); ok {
				fmt.Printf("%s RSSI=%d len=%d\n", found.Address.String(), found.RSSI, len(found.Data))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// transceiverAVSSThroughput runs a throughput test concurrently against
// every node assigned to the transceiver, printing each result as it
// completes.
func transceiverAVSSThroughput(args []string) error {
	fs := flag.NewFlagSet("transceiver avss_throughput", flag.ExitOnError)
	target := transceiverFlags(fs)
	duration := fs.Int("duration", 1, "Duration of the test, in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	client, err := connectTransceiver(ctx, *target)
	if err != nil {
		return err
	}
	defer client.Close()

	assigned, err := client.GetAssignedNodes(ctx)
	if err != nil {
		return err
	}

	type result struct {
		addr wire.BluetoothAddrLE
		err  error
	}
	results := make(chan result, len(assigned.Nodes))

	for _, node := range assigned.Nodes {
		go func(addr wire.BluetoothAddrLE) {
			results <- result{addr: addr, err: throughputOneNode(ctx, client, addr, *duration)}
		}(node.Address)
	}

	var firstErr error
	for range assigned.Nodes {
		r := <-results
		if r.err != nil {
			fmt.Printf("%s: error: %v\n", r.addr.String(), r.err)
			if firstErr == nil {
				firstErr = r.err
			}
		}
	}
	return firstErr
}

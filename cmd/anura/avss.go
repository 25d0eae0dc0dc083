package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anura-project/anura-go/pkg/avss"
	"github.com/anura-project/anura-go/pkg/rpc"
	"github.com/anura-project/anura-go/pkg/rpc/proxyavss"
	"github.com/anura-project/anura-go/pkg/wire"
)

var errNoDirectAdapter = errors.New("no direct BLE adapter is built into this binary; pass --transceiver")

// avssSession bundles a live rpc.Client and the proxy avss.Session built
// on top of it, so callers can tear both down together.
type avssSession struct {
	client *rpc.Client
	node   *avss.Session
	addr   wire.BluetoothAddrLE
}

func (s *avssSession) Close() {
	if s.node != nil {
		s.node.Disconnect()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// connectAVSS opens a Transceiver RPC connection and a proxy AVSS session
// for addr, verifying the transceiver already has addr assigned.
func connectAVSS(ctx context.Context, transceiver string, addr wire.BluetoothAddrLE) (*avssSession, error) {
	if transceiver == "" {
		return nil, errNoDirectAdapter
	}

	client := rpc.NewClient()
	if err := client.Connect(ctx, transceiver); err != nil {
		return nil, fmt.Errorf("connect to transceiver %s: %w", transceiver, err)
	}

	assigned, err := client.GetAssignedNodes(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("get assigned nodes: %w", err)
	}
	found := false
	for _, node := range assigned.Nodes {
		if node.Address.Equal(addr) {
			found = true
			break
		}
	}
	if !found {
		client.Close()
		return nil, fmt.Errorf("transceiver not assigned to node %s", addr)
	}

	channel := proxyavss.NewChannel(client, addr)
	session := avss.NewSession(channel)
	if err := session.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect avss session: %w", err)
	}

	return &avssSession{client: client, node: session, addr: addr}, nil
}

func runAVSS(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing avss subcommand")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "scan":
		return avssScan(rest)
	case "get_version":
		return avssSimple(rest, func(ctx context.Context, s *avss.Session) error {
			resp, err := s.GetVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Version: %s (build: %s)\n", resp.Version, resp.BuildVersion)
			return nil
		})
	case "reset":
		return avssSimple(rest, func(ctx context.Context, s *avss.Session) error {
			if err := s.Reboot(ctx); err != nil {
				return err
			}
			fmt.Println("Resetting shortly.")
			return nil
		})
	case "throughput":
		return avssThroughput(rest)
	case "read_settings":
		return avssReadSettings(rest)
	case "write_settings":
		return avssWriteSettings(rest)
	case "deactivate":
		return avssDeactivate(rest)
	case "health_report":
		return avssHealthReport(rest)
	case "get_firmware_info":
		return avssSimple(rest, func(ctx context.Context, s *avss.Session) error {
			resp, err := s.GetFirmwareInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("App: %d (build %d, status %d) Net: %d (build %d)\n",
				resp.AppVersion, resp.AppBuildVersion, resp.AppStatus, resp.NetVersion, resp.NetBuildVersion)
			return nil
		})
	case "trigger_measurement":
		return avssTriggerMeasurement(rest)
	case "quick_measurement":
		return avssQuickMeasurement(rest)
	case "upgrade":
		return avssUpgrade(rest)
	default:
		return fmt.Errorf("unknown avss subcommand %q", sub)
	}
}

// commonAVSSFlags registers the --transceiver/--address flags shared by
// every avss subcommand except scan.
func commonAVSSFlags(fs *flag.FlagSet) (transceiver *string, address *string) {
	transceiver = fs.String("transceiver", "", "Hostname, IP address, or usb:<serial> of the transceiver")
	address = fs.String("address", "", "Bluetooth address of the AVSS node")
	return
}

func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// avssSimple runs fn against a connected node session, reporting the
// interactive flag so -interactive opens a REPL instead of running once.
func avssSimple(args []string, fn func(ctx context.Context, s *avss.Session) error) error {
	fs := flag.NewFlagSet("avss", flag.ExitOnError)
	transceiver, address := commonAVSSFlags(fs)
	interactive := fs.Bool("interactive", false, "Open a readline session instead of running once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := wire.ParseBluetoothAddrLE(*address)
	if err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	sess, err := connectAVSS(ctx, *transceiver, addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	if *interactive {
		return runInteractive(ctx, sess)
	}
	return fn(ctx, sess.node)
}

func avssScan([]string) error {
	return fmt.Errorf("%w (use \"anura transceiver scan\" to scan via a transceiver)", errNoDirectAdapter)
}

func avssThroughput(args []string) error {
	fs := flag.NewFlagSet("avss throughput", flag.ExitOnError)
	transceiver, address := commonAVSSFlags(fs)
	duration := fs.Int("duration", 1, "Duration of the test, in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := wire.ParseBluetoothAddrLE(*address)
	if err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	sess, err := connectAVSS(ctx, *transceiver, addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	reports, stop := sess.node.Reports(false)
	defer stop()

	fmt.Printf("Starting %d s throughput test...\n", *duration)
	if err := sess.node.TestThroughput(ctx, *duration*1000); err != nil {
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

func printThroughput(info avss.TransferInfo) {
	throughput := math.NaN()
	if info.ElapsedTime > 0 {
		throughput = float64(info.NumBytes) / info.ElapsedTime.Seconds() / 1000
	}
	segmentSize := 0
	if info.NumSegments > 0 {
		segmentSize = (info.NumBytes + info.NumSegments - 1) / info.NumSegments
	}
	fmt.Printf("Received %d B over %d segments in %.2f s\n", info.NumBytes, info.NumSegments, info.ElapsedTime.Seconds())
	if math.IsNaN(throughput) {
		fmt.Println("Throughput:   ?? kB/s")
	} else {
		fmt.Printf("Throughput:   %.2f kB/s\n", throughput)
	}
	fmt.Printf("Segment size: %d B\n", segmentSize)
}

func avssReadSettings(args []string) error {
	fs := flag.NewFlagSet("avss read_settings", flag.ExitOnError)
	transceiver, address := commonAVSSFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := wire.ParseBluetoothAddrLE(*address)
	if err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	sess, err := connectAVSS(ctx, *transceiver, addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	reports, stop := sess.node.Reports(true)
	defer stop()

	if err := sess.node.ReportSettings(ctx, true, false); err != nil {
		return err
	}

	for {
		select {
		case item := <-reports:
			if settings, ok := item.(wire.SettingsReport); ok {
				readable := wire.SettingsToReadable(settings.Settings)
				encoded, err := json.Marshal(readable)
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func avssWriteSettings(args []string) error {
	fs := flag.NewFlagSet("avss write_settings", flag.ExitOnError)
	transceiver, address := commonAVSSFlags(fs)
	file := fs.String("file", "", "Path to a JSON settings file")
	resetDefaults := fs.Bool("reset-defaults", false, "Reset default values")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := wire.ParseBluetoothAddrLE(*address)
	if err != nil {
		return err
	}

	settings := map[string]any{}
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &settings); err != nil {
			return err
		}
	}

	ctx, cancel := rootContext()
	defer cancel()

	sess, err := connectAVSS(ctx, *transceiver, addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	resp, err := sess.node.WriteSettingsV2(ctx, settings, *resetDefaults, true)
	if err != nil {
		return err
	}
	fmt.Printf("Unhandled settings: %d, will reboot: %v\n", resp.NumUnhandled, resp.WillReboot)
	return nil
}

func avssDeactivate(args []string) error {
	fs := flag.NewFlagSet("avss deactivate", flag.ExitOnError)
	transceiver, address := commonAVSSFlags(fs)
	key := fs.Int("key", 0, "Deactivation key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := wire.ParseBluetoothAddrLE(*address)
	if err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	sess, err := connectAVSS(ctx, *transceiver, addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.node.Deactivate(ctx, *key); err != nil {
		return err
	}
	fmt.Println("Deactivated.")
	return nil
}

func avssHealthReport(args []string) error {
	fs := flag.NewFlagSet("avss health_report", flag.ExitOnError)
	transceiver, address := commonAVSSFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := wire.ParseBluetoothAddrLE(*address)
	if err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	sess, err := connectAVSS(ctx, *transceiver, addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	reports, stop := sess.node.Reports(true)
	defer stop()

	if err := sess.node.ReportHealthActive(ctx, true); err != nil {
		return err
	}

	select {
	case item := <-reports:
		if health, ok := item.(wire.HealthReport); ok {
			encoded, err := json.MarshalIndent(health, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func avssTriggerMeasurement(args []string) error {
	fs := flag.NewFlagSet("avss trigger_measurement", flag.ExitOnError)
	transceiver, address := commonAVSSFlags(fs)
	durationMS := fs.Int("duration-ms", 1000, "Duration of the measurement, in milliseconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := wire.ParseBluetoothAddrLE(*address)
	if err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	sess, err := connectAVSS(ctx, *transceiver, addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.node.TriggerMeasurement(ctx, *durationMS); err != nil {
		return err
	}
	fmt.Println("Measurement triggered.")
	return nil
}

// avssQuickMeasurement requests a single snippet report and prints its
// transfer stats, a convenience combining report_snippets(count=1) with a
// one-shot wait on the raw report stream.
func avssQuickMeasurement(args []string) error {
	fs := flag.NewFlagSet("avss quick_measurement", flag.ExitOnError)
	transceiver, address := commonAVSSFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := wire.ParseBluetoothAddrLE(*address)
	if err != nil {
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	sess, err := connectAVSS(ctx, *transceiver, addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	reports, stop := sess.node.Reports(false)
	defer stop()

	if err := sess.node.ReportSnippet(ctx, 1, false); err != nil {
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

func avssUpgrade(args []string) error {
	fs := flag.NewFlagSet("avss upgrade", flag.ExitOnError)
	transceiver, address := commonAVSSFlags(fs)
	file := fs.String("file", "", "Path to firmware image")
	confirmOnly := fs.Bool("confirm-only", false, "Run only the confirm step")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*confirmOnly && *file == "" {
		return fmt.Errorf("at least one of -file and -confirm-only must be given")
	}

	addr, err := wire.ParseBluetoothAddrLE(*address)
	if err != nil {
		return err
	}

	var image []byte
	if !*confirmOnly {
		image, err = os.ReadFile(filepath.Clean(*file))
		if err != nil {
			return err
		}
	}

	ctx, cancel := rootContext()
	defer cancel()

	const imageIndex = 0

	if !*confirmOnly {
		sess, err := connectAVSS(ctx, *transceiver, addr)
		if err != nil {
			return err
		}
		if err := sess.node.PrepareUpgrade(ctx, imageIndex, len(image)); err != nil {
			sess.Close()
			return err
		}
		if err := sess.node.ProgramTransfer(ctx, image, 0); err != nil {
			sess.Close()
			return err
		}
		if err := sess.node.ApplyUpgrade(ctx); err != nil {
			sess.Close()
			return err
		}
		sess.Close()

		fmt.Println("Waiting for node to reboot with new firmware image...")
		select {
		case <-time.After(30 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for deadline := time.Now().Add(55 * time.Second); time.Now().Before(deadline); {
		sess, err := connectAVSS(ctx, *transceiver, addr)
		if err != nil {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		resp, err := sess.node.GetVersion(ctx)
		if err != nil {
			sess.Close()
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		fmt.Printf("Version: %s (build: %s)\n", resp.Version, resp.BuildVersion)
		fmt.Println("Confirming new image")
		err = sess.node.ConfirmUpgrade(ctx, imageIndex)
		sess.Close()
		return err
	}
	return fmt.Errorf("timed out waiting for node to come back online")
}

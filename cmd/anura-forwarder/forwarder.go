package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/anura-project/anura-go/pkg/avss"
	"github.com/anura-project/anura-go/pkg/coordinator"
	"github.com/anura-project/anura-go/pkg/wire"
	"gopkg.in/yaml.v3"
)

// Publisher republishes a forwarded value under a topic. Callers satisfy
// it with whatever broker client they use; this module doesn't vendor one.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// stdoutPublisher is the default Publisher: it prints "topic payload"
// lines to stdout, which is enough to see the forwarder working without
// a broker.
type stdoutPublisher struct{}

func (stdoutPublisher) Publish(topic string, payload []byte) {
	fmt.Printf("%s %s\n", topic, payload)
}

// nodeConfig describes one node assigned to a transceiver and the
// settings, if any, to write to it once its session opens.
type nodeConfig struct {
	Address     string         `yaml:"address"`
	Transceiver string         `yaml:"transceiver"`
	Settings    map[string]any `yaml:"settings"`
}

// transceiverConfig describes one transceiver target.
type transceiverConfig struct {
	Host string `yaml:"host"`
}

// ForwarderConfig is the --config YAML shape.
type ForwarderConfig struct {
	Transceivers map[string]transceiverConfig `yaml:"transceivers"`
	Nodes        map[string]nodeConfig        `yaml:"nodes"`
}

// loadForwarderConfig reads and parses a YAML config file.
func loadForwarderConfig(path string) (ForwarderConfig, error) {
	var cfg ForwarderConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Forwarder keeps every configured Transceiver connected, opens a proxy
// AVSS session to every node assigned to it, applies the node's
// configured settings once, requests health and snippet reports, and
// republishes selected report fields through a Publisher.
type Forwarder struct {
	cfg       ForwarderConfig
	publisher Publisher
	nodeIDs   map[wire.BluetoothAddrLE]string
}

// NewForwarder builds a Forwarder from cfg, publishing through pub.
func NewForwarder(cfg ForwarderConfig, pub Publisher) *Forwarder {
	return &Forwarder{cfg: cfg, publisher: pub, nodeIDs: map[wire.BluetoothAddrLE]string{}}
}

// Run blocks, supervising every configured Transceiver and node, until ctx
// is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	byTransceiver := map[string][]wire.BluetoothAddrLE{}
	for nodeID, nc := range f.cfg.Nodes {
		addr, err := wire.ParseBluetoothAddrLE(nc.Address)
		if err != nil {
			return fmt.Errorf("node %s: %w", nodeID, err)
		}
		f.nodeIDs[addr] = nodeID
		byTransceiver[nc.Transceiver] = append(byTransceiver[nc.Transceiver], addr)
	}

	var transceivers []coordinator.TransceiverConfig
	for transceiverID, tc := range f.cfg.Transceivers {
		transceivers = append(transceivers, coordinator.TransceiverConfig{
			TargetSpec: tc.Host,
			Nodes:      byTransceiver[transceiverID],
		})
	}

	c := coordinator.New(coordinator.Config{
		Transceivers: transceivers,
		OnOpen:       f.onOpen,
		OnReport:     f.onReport,
	})
	c.Run(ctx)
	return nil
}

func (f *Forwarder) onOpen(ctx context.Context, addr wire.BluetoothAddrLE, session *avss.Session) error {
	nodeID := f.nodeIDs[addr]

	version, err := session.GetVersion(ctx)
	if err != nil {
		return err
	}
	f.publisher.Publish(fmt.Sprintf("node/%s/version", nodeID), []byte(version.Version))

	if settings := f.cfg.Nodes[nodeID].Settings; len(settings) > 0 {
		log.Printf("write settings to %s", nodeID)
		resp, err := session.WriteSettings(ctx, settings)
		if err != nil {
			return err
		}
		if resp.NumUnhandled > 0 {
			log.Printf("%d unhandled settings in write to %s", resp.NumUnhandled, nodeID)
		}

		log.Printf("apply settings to %s", nodeID)
		applyResp, err := session.ApplySettings(ctx, true)
		if err != nil {
			return err
		}
		if applyResp.WillReboot {
			log.Printf("node %s will reboot to apply settings", nodeID)
		}
	}

	log.Printf("request health reports from %s", nodeID)
	if err := session.ReportHealth(ctx, nil); err != nil {
		return err
	}

	log.Printf("request snippet reports from %s", nodeID)
	return session.ReportSnippet(ctx, 0, true)
}

func (f *Forwarder) onReport(addr wire.BluetoothAddrLE, report avss.Report) {
	nodeID := f.nodeIDs[addr]

	parsed, ok := report.Parse()
	if !ok {
		log.Printf("unrecognized report type %d from %s", report.ReportType, nodeID)
		return
	}

	switch r := parsed.(type) {
	case wire.HealthReport:
		log.Printf("health report from %s: %+v", nodeID, r)
		f.publisher.Publish(fmt.Sprintf("node/%s/health/battery", nodeID), []byte(strconv.Itoa(r.BatteryVoltage)))
		f.publisher.Publish(fmt.Sprintf("node/%s/health/temperature", nodeID), []byte(strconv.FormatFloat(float64(r.Temperature), 'f', -1, 32)))
	case wire.SnippetReport:
		log.Printf("snippet report from %s: start_time=%d", nodeID, r.StartTime)
	default:
		log.Printf("%T report from %s", r, nodeID)
	}
}

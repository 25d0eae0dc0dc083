package rpc

import (
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/anura-project/anura-go/pkg/wire"
)

// MessageType is the first element of every Transceiver RPC envelope.
type MessageType uint8

const (
	MessageTypeRequest      MessageType = 0
	MessageTypeResponse     MessageType = 1
	MessageTypeNotification MessageType = 2
)

// APIError is the error element of a response envelope when a request
// fails.
type APIError struct {
	Code         int    `cbor:"0,keyasint"`
	InternalCode int    `cbor:"1,keyasint"`
	Message      string `cbor:"2,keyasint"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("code=%d internal_code=%d: %s", e.Code, e.InternalCode, e.Message)
}

// IPv4Addr is an IPv4 address encoded as CBOR tag 52 (four raw bytes),
// the encoding the Transceiver uses for get_device_info's ip_addresses.
type IPv4Addr [4]byte

func (a IPv4Addr) String() string {
	return net.IP(a[:]).String()
}

func (a IPv4Addr) MarshalCBOR() ([]byte, error) {
	return wire.Marshal(cbor.Tag{Number: 52, Content: a[:]})
}

func (a *IPv4Addr) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := wire.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("rpc: decode ipv4 address: %w", err)
	}
	if tag.Number != 52 {
		return fmt.Errorf("rpc: expected cbor tag 52 for ipv4 address, got %d", tag.Number)
	}
	raw, ok := tag.Content.([]byte)
	if !ok || len(raw) != 4 {
		return fmt.Errorf("rpc: ipv4 address tag content is not 4 bytes")
	}
	copy(a[:], raw)
	return nil
}

// AssignedNode identifies a node the Transceiver is configured to connect
// to.
type AssignedNode struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
}

// SetAssignedNodesArgs is the argument to set_assigned_nodes.
type SetAssignedNodesArgs struct {
	Nodes []AssignedNode `cbor:"0,keyasint"`
}

// GetAssignedNodesResult is the result of get_assigned_nodes.
type GetAssignedNodesResult struct {
	Nodes []AssignedNode `cbor:"0,keyasint"`
}

// ConnectedNode identifies a node currently connected over BLE, with its
// last-seen signal strength.
type ConnectedNode struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
	RSSI    int8                 `cbor:"1,keyasint"`
}

// GetConnectedNodesResult is the result of get_connected_nodes.
type GetConnectedNodesResult struct {
	Nodes []ConnectedNode `cbor:"0,keyasint"`
}

// AVSSRequestArgs carries a raw control-point request frame to forward to
// a node's AVSS Control Point.
type AVSSRequestArgs struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
	Data    []byte               `cbor:"1,keyasint"`
}

// AVSSProgramWriteArgs carries a firmware transfer chunk to forward to a
// node's AVSS Program characteristic.
type AVSSProgramWriteArgs struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
	Data    []byte               `cbor:"1,keyasint"`
}

// GetDeviceInfoResult is the result of get_device_info.
type GetDeviceInfoResult struct {
	Board           string     `cbor:"0,keyasint"`
	HWRev           uint8      `cbor:"1,keyasint"`
	DeviceID        []byte     `cbor:"2,keyasint"`
	AppVersion      string     `cbor:"3,keyasint"`
	AppBuildVersion string     `cbor:"4,keyasint"`
	SerialNumber    string     `cbor:"5,keyasint"`
	Hostname        string     `cbor:"6,keyasint"`
	MACAddress      []byte     `cbor:"7,keyasint"`
	IPAddresses     []IPv4Addr `cbor:"8,keyasint"`
}

// GetDeviceStatusResult is the result of get_device_status.
type GetDeviceStatusResult struct {
	Uptime      int64  `cbor:"0,keyasint"`
	RebootCount uint32 `cbor:"1,keyasint"`
	ResetCause  uint8  `cbor:"2,keyasint"`
}

// GetFirmwareInfoResult is the result of get_firmware_info.
type GetFirmwareInfoResult struct {
	DFUStatus       uint8  `cbor:"0,keyasint"`
	AppVersion      uint32 `cbor:"1,keyasint"`
	AppBuildVersion string `cbor:"2,keyasint"`
	NetVersion      uint32 `cbor:"3,keyasint"`
	NetBuildVersion string `cbor:"4,keyasint"`
}

// GetPtpStatusResult is the result of get_ptp_status.
type GetPtpStatusResult struct {
	PortState       string  `cbor:"0,keyasint"`
	Offset          int64   `cbor:"1,keyasint"`
	Delay           int64   `cbor:"2,keyasint"`
	OffsetHistogram []int64 `cbor:"3,keyasint"`
}

// DfuPrepareArgs is the argument to dfu_prepare.
type DfuPrepareArgs struct {
	Size uint32 `cbor:"0,keyasint"`
}

// DfuWriteArgs is the argument to dfu_write.
type DfuWriteArgs struct {
	Offset uint32 `cbor:"0,keyasint"`
	Data   []byte `cbor:"1,keyasint"`
}

// dfuApplyPermanentMagic is written to DfuApplyArgs.Permanent to request a
// permanent (non-rollback) firmware apply. Spelled "PERM" in ASCII.
const dfuApplyPermanentMagic = 0x5045524D

// DfuApplyArgs is the argument to dfu_apply.
type DfuApplyArgs struct {
	Permanent uint32 `cbor:"0,keyasint"`
}

// SetTimeArgs is the argument to set_time.
type SetTimeArgs struct {
	Time int64 `cbor:"0,keyasint"`
}

// GetTimeResult is the result of get_time.
type GetTimeResult struct {
	Time int64 `cbor:"0,keyasint"`
}

// NotificationEvent is implemented by every typed notification payload
// and by UnknownNotification.
type NotificationEvent interface {
	notificationEvent()
}

// NodeConnectedEvent fires when a node connects over BLE.
type NodeConnectedEvent struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
}

func (NodeConnectedEvent) notificationEvent() {}

// NodeDisconnectedEvent fires when a node disconnects.
type NodeDisconnectedEvent struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
}

func (NodeDisconnectedEvent) notificationEvent() {}

// NodeServiceDiscoveredEvent fires once GATT service discovery on a node
// completes, naming the discovered service's UUID.
type NodeServiceDiscoveredEvent struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
	UUID    uuid.UUID            `cbor:"1,keyasint"`
}

func (NodeServiceDiscoveredEvent) notificationEvent() {}

// AVSSReportNotifiedEvent carries a reassembled AVSS Report characteristic
// notification for a node.
type AVSSReportNotifiedEvent struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
	Value   []byte               `cbor:"1,keyasint"`
}

func (AVSSReportNotifiedEvent) notificationEvent() {}

// AVSSProgramNotifiedEvent carries a raw AVSS Program characteristic
// notification (a NACK during firmware transfer) for a node.
type AVSSProgramNotifiedEvent struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
	Value   []byte               `cbor:"1,keyasint"`
}

func (AVSSProgramNotifiedEvent) notificationEvent() {}

// ScanNodesReceivedEvent carries one BLE advertisement report seen during
// a scan_nodes scan.
type ScanNodesReceivedEvent struct {
	Address wire.BluetoothAddrLE `cbor:"0,keyasint"`
	RSSI    int8                 `cbor:"1,keyasint"`
	Data    []byte               `cbor:"2,keyasint"`
}

func (ScanNodesReceivedEvent) notificationEvent() {}

// UnknownNotification wraps a notification whose type name isn't one this
// client knows how to decode. Argument retains the raw CBOR so callers can
// still inspect it.
type UnknownNotification struct {
	Type     string
	Argument cbor.RawMessage
}

func (UnknownNotification) notificationEvent() {}

// parseNotification dispatches a notification by type name to its typed
// event, falling back to UnknownNotification for anything this client
// version doesn't recognize.
func parseNotification(notifType string, argument cbor.RawMessage) (NotificationEvent, error) {
	var event NotificationEvent

	switch notifType {
	case "node_connected":
		event = &NodeConnectedEvent{}
	case "node_disconnected":
		event = &NodeDisconnectedEvent{}
	case "node_service_discovered":
		event = &NodeServiceDiscoveredEvent{}
	case "avss_report_notified":
		event = &AVSSReportNotifiedEvent{}
	case "avss_program_notified":
		event = &AVSSProgramNotifiedEvent{}
	case "scan_nodes_received":
		event = &ScanNodesReceivedEvent{}
	default:
		return UnknownNotification{Type: notifType, Argument: argument}, nil
	}

	if err := wire.UnmarshalRecord(argument, event); err != nil {
		return nil, fmt.Errorf("rpc: decode %q notification: %w", notifType, err)
	}

	switch e := event.(type) {
	case *NodeConnectedEvent:
		return *e, nil
	case *NodeDisconnectedEvent:
		return *e, nil
	case *NodeServiceDiscoveredEvent:
		return *e, nil
	case *AVSSReportNotifiedEvent:
		return *e, nil
	case *AVSSProgramNotifiedEvent:
		return *e, nil
	case *ScanNodesReceivedEvent:
		return *e, nil
	default:
		return event, nil
	}
}

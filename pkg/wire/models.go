package wire

// Control-point request arguments and response records. Field tags are the
// integer CBOR keys from the control-point schema table.

type ReportSnippetArgs struct {
	Count      int  `cbor:"0,keyasint"`
	AutoResume bool `cbor:"1,keyasint"`
}

type ReportAggregatesArgs struct {
	Count      int  `cbor:"0,keyasint"`
	AutoResume bool `cbor:"1,keyasint"`
}

type ReportCaptureArgs struct {
	Count      int  `cbor:"0,keyasint"`
	AutoResume bool `cbor:"1,keyasint"`
}

// ReportHealthArgs.Count carries either a legacy bool active-flag or a
// numeric count. Callers
// should store a bool or an int64 here.
type ReportHealthArgs struct {
	Count any `cbor:"0,keyasint"`
}

type ReportSettingsArgs struct {
	Current bool `cbor:"0,keyasint"`
	Pending bool `cbor:"1,keyasint"`
}

type PrepareUpgradeArgs struct {
	Image int `cbor:"0,keyasint"`
	Size  int `cbor:"1,keyasint"`
}

type ApplyUpgradeArgs struct{}

type ConfirmUpgradeArgs struct {
	Image int `cbor:"0,keyasint"`
}

type TestThroughputArgs struct {
	Duration int `cbor:"0,keyasint"`
}

type ApplySettingsArgs struct {
	Persist bool `cbor:"0,keyasint"`
}

type DeactivateArgs struct {
	Key int `cbor:"0,keyasint"`
}

type TriggerMeasurementArgs struct {
	DurationMS int `cbor:"0,keyasint"`
}

type ApplySettingsResponse struct {
	WillReboot bool `cbor:"0,keyasint"`
}

type WriteSettingsResponse struct {
	NumUnhandled int `cbor:"0,keyasint"`
}

type WriteSettingsV2Args struct {
	Settings      map[int]any `cbor:"0,keyasint"`
	ResetDefaults bool        `cbor:"1,keyasint"`
	Apply         bool        `cbor:"2,keyasint"`
}

type WriteSettingsV2Response struct {
	NumUnhandled int  `cbor:"0,keyasint"`
	WillReboot   bool `cbor:"1,keyasint"`
}

type GetVersionResponse struct {
	Version      string `cbor:"0,keyasint"`
	BuildVersion string `cbor:"1,keyasint"`
}

type GetFirmwareInfoResponse struct {
	AppVersion      uint32 `cbor:"0,keyasint"`
	AppBuildVersion string `cbor:"1,keyasint"`
	AppStatus       int    `cbor:"2,keyasint"`
	NetVersion      uint32 `cbor:"3,keyasint"`
	NetBuildVersion string `cbor:"4,keyasint"`
}

// Parsed report records, keyed by the report type tag.

type SnippetReport struct {
	StartTime  int64            `cbor:"0,keyasint"`
	SampleRate float32          `cbor:"1,keyasint"`
	Range      int32            `cbor:"2,keyasint"`
	Samples    map[int32][]byte `cbor:"3,keyasint"`
	IsSynced   bool             `cbor:"4,keyasint"`
}

type CaptureReport struct {
	StartTime          int64            `cbor:"0,keyasint"`
	UnusedKey          int              `cbor:"1,keyasint"`
	Range              int32            `cbor:"2,keyasint"`
	Samples            map[int32][]byte `cbor:"3,keyasint"`
	IsSynced           bool             `cbor:"4,keyasint"`
	Duration           bool             `cbor:"5,keyasint"`
	StartTimeMonotonic int64            `cbor:"6,keyasint"`
	DurationMonotonic  int64            `cbor:"7,keyasint"`
}

// AggregatedValuesReport intentionally has no tag-1 field: the upstream
// schema reserves it. See DESIGN.md.
type AggregatedValuesReport struct {
	StartTime int64             `cbor:"0,keyasint"`
	Values    map[int32]float32 `cbor:"2,keyasint"`
}

type HealthReport struct {
	Uptime         int64    `cbor:"0,keyasint"`
	RebootCount    int      `cbor:"1,keyasint"`
	ResetCause     int      `cbor:"2,keyasint"`
	Temperature    float32  `cbor:"3,keyasint"`
	BatteryVoltage int      `cbor:"4,keyasint"`
	RSSI           int      `cbor:"5,keyasint"`
	EHVoltage      int      `cbor:"6,keyasint"`
	ClockSyncSkew  *float32 `cbor:"7,keyasint,omitempty"`
	ClockSyncAge   *int64   `cbor:"8,keyasint,omitempty"`
	ClockSyncDiff  *int64   `cbor:"9,keyasint,omitempty"`
}

type SettingsReport struct {
	Settings        map[int]any `cbor:"0,keyasint,omitempty"`
	PendingSettings map[int]any `cbor:"1,keyasint,omitempty"`
}

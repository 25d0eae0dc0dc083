package avss

import (
	"time"

	"github.com/anura-project/anura-go/pkg/wire"
)

// TransferInfo describes the timing and size of a reassembled Report.
type TransferInfo struct {
	StartTime   time.Time
	ElapsedTime time.Duration
	NumBytes    int
	NumSegments int
}

// Report is a raw, reassembled AVSS report: the report type byte and the
// remaining CBOR-encoded payload.
type Report struct {
	ReportType   wire.ReportType
	PayloadCBOR  []byte
	TransferInfo TransferInfo
}

// recordFromBuffer builds a Report from a fully assembled segment buffer.
// buf[0] is the report type; buf[1:] is the CBOR payload.
func recordFromBuffer(buf []byte, info TransferInfo) Report {
	return Report{
		ReportType:   wire.ReportType(buf[0]),
		PayloadCBOR:  buf[1:],
		TransferInfo: info,
	}
}

// Parse decodes the report's CBOR payload into its typed record, per the
// report type's schema. It returns (nil, false) if the report type is
// unknown to this client.
func (r Report) Parse() (any, bool) {
	var target any
	switch r.ReportType {
	case wire.ReportTypeSnippet:
		target = &wire.SnippetReport{}
	case wire.ReportTypeAggregatedValues:
		target = &wire.AggregatedValuesReport{}
	case wire.ReportTypeHealth:
		target = &wire.HealthReport{}
	case wire.ReportTypeSettings:
		target = &wire.SettingsReport{}
	case wire.ReportTypeCapture:
		target = &wire.CaptureReport{}
	default:
		return nil, false
	}
	if err := wire.UnmarshalRecord(r.PayloadCBOR, target); err != nil {
		return nil, false
	}
	return dereference(target), true
}

func dereference(target any) any {
	switch v := target.(type) {
	case *wire.SnippetReport:
		return *v
	case *wire.AggregatedValuesReport:
		return *v
	case *wire.HealthReport:
		return *v
	case *wire.SettingsReport:
		return *v
	case *wire.CaptureReport:
		return *v
	default:
		return target
	}
}

// reportBuffer accumulates report segments between a FIRST and a LAST
// header bit. There is at most one live reportBuffer per session.
type reportBuffer struct {
	startTime   time.Time
	buf         []byte
	numSegments int
}

func newReportBuffer() *reportBuffer {
	return &reportBuffer{startTime: time.Now()}
}

func (b *reportBuffer) append(payload []byte) {
	b.buf = append(b.buf, payload...)
	b.numSegments++
}

func (b *reportBuffer) finish() Report {
	return recordFromBuffer(b.buf, TransferInfo{
		StartTime:   b.startTime,
		ElapsedTime: time.Since(b.startTime),
		NumBytes:    len(b.buf),
		NumSegments: b.numSegments,
	})
}

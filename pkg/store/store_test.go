package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/anura-project/anura-go/pkg/avss"
	"github.com/anura-project/anura-go/pkg/wire"
)

func testAddr(t *testing.T) wire.BluetoothAddrLE {
	t.Helper()
	addr, err := wire.ParseBluetoothAddrLE("AA:BB:CC:DD:EE:FF/public")
	if err != nil {
		t.Fatalf("ParseBluetoothAddrLE() error = %v", err)
	}
	return addr
}

func TestStoreAppendAndReports(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "reports.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	addr := testAddr(t)
	report := avss.Report{
		ReportType:  wire.ReportTypeHealth,
		PayloadCBOR: []byte{0x01, 0x02, 0x03},
		TransferInfo: avss.TransferInfo{
			StartTime:   time.Now(),
			ElapsedTime: 5 * time.Millisecond,
			NumBytes:    4,
			NumSegments: 1,
		},
	}

	if err := s.AppendReport(addr, report); err != nil {
		t.Fatalf("AppendReport() error = %v", err)
	}

	records, err := s.Reports(addr, 10)
	if err != nil {
		t.Fatalf("Reports() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	got := records[0]
	if got.ReportType != wire.ReportTypeHealth {
		t.Errorf("ReportType = %v, want %v", got.ReportType, wire.ReportTypeHealth)
	}
	if string(got.Payload) != string(report.PayloadCBOR) {
		t.Errorf("Payload = %v, want %v", got.Payload, report.PayloadCBOR)
	}
	if got.NumBytes != 4 {
		t.Errorf("NumBytes = %d, want 4", got.NumBytes)
	}
}

func TestStoreReportsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "reports.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	records, err := s.Reports(testAddr(t), 10)
	if err != nil {
		t.Fatalf("Reports() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
}

func TestStoreClear(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "reports.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	addr := testAddr(t)
	report := avss.Report{
		ReportType:  wire.ReportTypeSnippet,
		PayloadCBOR: []byte{0xAA},
		TransferInfo: avss.TransferInfo{StartTime: time.Now(), NumBytes: 1, NumSegments: 1},
	}
	if err := s.AppendReport(addr, report); err != nil {
		t.Fatalf("AppendReport() error = %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	records, err := s.Reports(addr, 10)
	if err != nil {
		t.Fatalf("Reports() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d after Clear(), want 0", len(records))
	}
}

func TestStoreOrderNewestLast(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "reports.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	addr := testAddr(t)
	for i := 0; i < 3; i++ {
		report := avss.Report{
			ReportType:  wire.ReportTypeSnippet,
			PayloadCBOR: []byte{byte(i)},
			TransferInfo: avss.TransferInfo{StartTime: time.Now(), NumBytes: 1, NumSegments: 1},
		}
		if err := s.AppendReport(addr, report); err != nil {
			t.Fatalf("AppendReport() error = %v", err)
		}
	}

	records, err := s.Reports(addr, 0)
	if err != nil {
		t.Fatalf("Reports() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Payload[0] != byte(i) {
			t.Errorf("records[%d].Payload[0] = %d, want %d", i, rec.Payload[0], i)
		}
	}
}

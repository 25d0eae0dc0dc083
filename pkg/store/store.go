package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/anura-project/anura-go/pkg/avss"
	"github.com/anura-project/anura-go/pkg/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS report (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	node_addr     TEXT NOT NULL,
	report_type   INTEGER NOT NULL,
	payload_cbor  BLOB NOT NULL,
	received_at   TIMESTAMP NOT NULL,
	elapsed_ns    INTEGER NOT NULL,
	num_bytes     INTEGER NOT NULL,
	num_segments  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS report_by_node ON report (node_addr);
CREATE INDEX IF NOT EXISTS report_by_received_at ON report (received_at);
`

// Store appends reassembled AVSS reports to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendReport inserts one reassembled report for the node at addr.
func (s *Store) AppendReport(addr wire.BluetoothAddrLE, report avss.Report) error {
	_, err := s.db.Exec(
		`INSERT INTO report (node_addr, report_type, payload_cbor, received_at, elapsed_ns, num_bytes, num_segments)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		addr.String(),
		int(report.ReportType),
		report.PayloadCBOR,
		report.TransferInfo.StartTime.UTC(),
		report.TransferInfo.ElapsedTime.Nanoseconds(),
		report.TransferInfo.NumBytes,
		report.TransferInfo.NumSegments,
	)
	if err != nil {
		return fmt.Errorf("store: append report: %w", err)
	}
	return nil
}

// Record is one row read back from the store.
type Record struct {
	ID          int64
	NodeAddr    string
	ReportType  wire.ReportType
	Payload     []byte
	ReceivedAt  time.Time
	Elapsed     time.Duration
	NumBytes    int
	NumSegments int
}

// Reports returns the most recent limit reports for addr, newest last.
// limit <= 0 returns every row.
func (s *Store) Reports(addr wire.BluetoothAddrLE, limit int) ([]Record, error) {
	query := `SELECT id, node_addr, report_type, payload_cbor, received_at, elapsed_ns, num_bytes, num_segments
		FROM report WHERE node_addr = ? ORDER BY id DESC`
	args := []any{addr.String()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query reports: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			reportType int
			elapsedNs int64
		)
		if err := rows.Scan(&rec.ID, &rec.NodeAddr, &reportType, &rec.Payload, &rec.ReceivedAt, &elapsedNs, &rec.NumBytes, &rec.NumSegments); err != nil {
			return nil, fmt.Errorf("store: scan report: %w", err)
		}
		rec.ReportType = wire.ReportType(reportType)
		rec.Elapsed = time.Duration(elapsedNs)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate reports: %w", err)
	}

	// Rows arrive newest-first; reverse to return them newest-last.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Clear deletes every stored report.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM report`); err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}

// Package store persists reassembled AVSS reports to an embedded SQLite
// database, append-only, so a session's reports can be reviewed after the
// fact.
package store

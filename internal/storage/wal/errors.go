package wal

// ============================================================================
// WAL Error Definitions
// Purpose: Define all WAL-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorruptedWAL indicates WAL file is corrupted (cannot parse JSON)
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed indicates WAL is closed, cannot perform operation
	ErrWALClosed = errors.New("wal: already closed")

	// ErrWALLocked indicates another instance holds the WAL file
	ErrWALLocked = errors.New("wal: file is locked by another instance")

	// ErrInvalidID indicates an entry id that is not "<ms>-<seq>"
	ErrInvalidID = errors.New("wal: invalid entry id")

	// ErrIDTooSmall indicates an explicit id not greater than the stream's last id
	ErrIDTooSmall = errors.New("wal: id is equal or smaller than the stream top item")

	// ErrInvalidFields indicates an empty or odd key/value sequence
	ErrInvalidFields = errors.New("wal: fields must be non-empty key/value pairs")

	// ErrStreamNotFound indicates the stream does not exist
	ErrStreamNotFound = errors.New("wal: stream not found")

	// ErrGroupNotFound indicates the consumer group does not exist
	ErrGroupNotFound = errors.New("wal: consumer group not found")
)

// CorruptionError represents WAL corruption at a known position
type CorruptionError struct {
	Seq    uint64 // Sequence number of the previous good event
	Offset int64  // Byte offset in file
	Cause  error  // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted event after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

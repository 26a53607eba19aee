package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the event records that make up the log file
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventStream  EventType = "STREAM"  // Stream created / last id raised (compaction marker)
	EventGroup   EventType = "GROUP"   // Consumer group created at a resolved start id
	EventAppend  EventType = "APPEND"  // Entry appended to a stream
	EventDeliver EventType = "DELIVER" // Entries delivered to a consumer (added to pending)
	EventAck     EventType = "ACK"     // Entries acknowledged (removed from pending)
)

// Event represents a WAL event record, one JSON object per line
type Event struct {
	Seq       uint64    `json:"seq"`                // Event sequence number (monotonically increasing)
	Type      EventType `json:"type"`               // Event type
	Stream    string    `json:"stream"`             // Stream name
	Group     string    `json:"group,omitempty"`    // Consumer group (GROUP/DELIVER/ACK)
	Consumer  string    `json:"consumer,omitempty"` // Consumer name (DELIVER)
	ID        string    `json:"id,omitempty"`       // Entry id (APPEND), start id (GROUP), last id (STREAM)
	IDs       []string  `json:"ids,omitempty"`      // Entry ids (DELIVER/ACK)
	Fields    []string  `json:"fields,omitempty"`   // Flat key/value payload (APPEND)
	Timestamp int64     `json:"timestamp"`          // Unix millisecond timestamp
	Checksum  uint32    `json:"checksum"`           // CRC32 checksum
}

// EventHandler is the function type for processing WAL events during Replay
type EventHandler func(event Event) error

package models

import "time"

// PersistedRecord is one payload written to the state store.
type PersistedRecord struct {
	Key       string
	Payload   []byte
	FetchedAt time.Time
	Sequence  int64
}

// WriteOptions carries the per-endpoint storage bounds for a record.
type WriteOptions struct {
	TTL          time.Duration
	MaxLogLength int64
	Aggregate    bool
}

// Subscription is a streaming symbol held by one rotation slot.
type Subscription struct {
	RequestID     string
	Symbol        string
	Slot          int
	AcquiredAt    time.Time
	DwellDeadline time.Time
}

// HistoryRecord is one fetched REST payload kept in the Postgres history
// table. Symbol is empty for endpoints that are not per symbol.
type HistoryRecord struct {
	Endpoint  string
	Symbol    string
	FetchedAt time.Time
	Payload   []byte
}

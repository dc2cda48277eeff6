package models

import "time"

// FetchTask is a single scheduled pull of one endpoint for one symbol.
type FetchTask struct {
	EndpointID  string
	Source      string
	Symbol      string
	Tier        Tier
	ScheduledAt time.Time
	// Attempt is 0 for the first try and grows with each retry.
	Attempt int
}

// TaskKey identifies an endpoint and symbol pair independent of timing.
type TaskKey struct {
	EndpointID string
	Symbol     string
}

func (t FetchTask) Key() TaskKey {
	return TaskKey{EndpointID: t.EndpointID, Symbol: t.Symbol}
}

func (k TaskKey) String() string {
	if k.Symbol == "" {
		return k.EndpointID
	}
	return k.EndpointID + ":" + k.Symbol
}

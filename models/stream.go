package models

import "time"

// StreamChannel maps an upstream channel name to the stream name used in keys.
type StreamChannel struct {
	Name   string
	Stream string
	// Global channels (news, market-wide flow) are joined once, not per symbol.
	Global bool
}

// StreamSpec describes the streaming source served by the rotation slots.
type StreamSpec struct {
	Source       string
	Channels     []StreamChannel
	Symbols      []string
	KeyTemplate  string
	TTL          time.Duration
	MaxLogLength int64
	Transform    string
	Aggregate    bool
}

// Channel returns the channel definition for an upstream channel name.
func (s StreamSpec) Channel(name string) (StreamChannel, bool) {
	for _, ch := range s.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return StreamChannel{}, false
}

// SymbolChannels lists the channels joined for each rotated symbol.
func (s StreamSpec) SymbolChannels() []StreamChannel {
	out := make([]StreamChannel, 0, len(s.Channels))
	for _, ch := range s.Channels {
		if !ch.Global {
			out = append(out, ch)
		}
	}
	return out
}

func (s StreamSpec) Key(stream, symbol string) string {
	return RenderKey(s.KeyTemplate, stream, symbol)
}

func (s StreamSpec) WriteOptions() WriteOptions {
	return WriteOptions{TTL: s.TTL, MaxLogLength: s.MaxLogLength, Aggregate: s.Aggregate}
}

func (e EndpointSpec) WriteOptions() WriteOptions {
	return WriteOptions{TTL: e.TTL, MaxLogLength: e.MaxLogLength, Aggregate: e.Aggregate}
}

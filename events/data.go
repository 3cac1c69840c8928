package events

import "time"

// DataStart is emitted before a data object is resolved.
type DataStart struct {
	Name  string
	Label string
}

// DataFinish is emitted once a data object is resolved or failed.
type DataFinish struct {
	Name     string
	Label    string
	Fallback bool
	Err      error
	Duration time.Duration
}

// ClientStart is emitted before an outbound call to a remote data source.
// Label is the label of the data object making the call, empty outside a
// resolver.
type ClientStart struct {
	Label  string
	Target string
	Method string
	Path   string
}

// ClientFinish is emitted after an outbound call completes. Status is -1 when
// no response was received.
type ClientFinish struct {
	Label    string
	Target   string
	Method   string
	Path     string
	Status   int
	Err      error
	Duration time.Duration
}

package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when a request enters a conductor route.
// Context carries the request context.
type HTTPStart struct {
	Request   *http.Request
	Conductor string
}

// HTTPFinish is emitted after the pipeline for the request has ended.
// Conductor is the active conductor at the end, which differs from the routed
// one when the request was sharded.
type HTTPFinish struct {
	Request   *http.Request
	Conductor string
	Err       error
	Duration  time.Duration
}

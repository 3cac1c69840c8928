package events

import "time"

// StageStart is emitted before a stage runs.
type StageStart struct {
	Conductor string
	Key       int
	Label     string
}

// StageFinish is emitted after a stage returned. Outcome is one of
// "continue", "stop" or "fail".
type StageFinish struct {
	Conductor string
	Key       int
	Label     string
	Outcome   string
	Err       error
	Duration  time.Duration
}

// Shard is emitted when the pipeline restarts against a reassigned conductor.
// Hint is the resume rule, "startKey".
type Shard struct {
	From string
	To   string
	Hint string
	Key  int
}

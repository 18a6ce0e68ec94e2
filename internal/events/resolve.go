package events

import "time"

// ResolveStart is emitted before executing an operation.
type ResolveStart struct {
	Query         string
	OperationName string
	OperationType string
}

// ResolveFinish is emitted after executing an operation.
type ResolveFinish struct {
	Query         string
	OperationName string
	OperationType string
	Errors        []error
	Duration      time.Duration
}

// PassFinish is emitted after each suspend/flush/resume round of an
// execution. Suspended counts the fields re-entered in the round.
type PassFinish struct {
	Pass      int
	Suspended int
	Duration  time.Duration
}

// BatchFlush is emitted after one loader key's bulk operation executes.
type BatchFlush struct {
	Source   string
	Op       string
	Extra    string
	Keys     int
	Duration time.Duration
	Err      error
}

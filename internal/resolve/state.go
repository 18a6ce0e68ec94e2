package resolve

import "context"

// Stage is the lifecycle stage of one field resolution.
type Stage int

const (
	StageUnresolved Stage = iota
	StageSuspended
	StageResolved
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageUnresolved:
		return "unresolved"
	case StageSuspended:
		return "suspended"
	case StageResolved:
		return "resolved"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}

// Continuation resumes a suspended field on the next pass. It receives a
// fresh State for the field and returns the transitioned one, exactly like a
// middleware step.
type Continuation func(ctx context.Context, s State) State

// State is the in-flight resolution of one field instance. It is passed to
// each middleware step by value; a step transitions it by returning the value
// produced by Resolve, Fail, or Suspend rather than mutating anything in
// place. A State is created fresh each time a field is entered or re-entered.
type State struct {
	req    *Request
	parent any
	field  string
	args   map[string]any
	path   Path
	stage  Stage
	value  any
	err    error
	cont   Continuation
}

// Request returns the per-request shared context.
func (s State) Request() *Request { return s.req }

// Parent is the resolved value of the enclosing field, or the request root
// for top-level fields.
func (s State) Parent() any { return s.parent }

// Field is the schema field name being resolved.
func (s State) Field() string { return s.field }

// Args returns the coerced argument values for this field.
func (s State) Args() map[string]any { return s.args }

// Arg returns one argument value, or nil when absent.
func (s State) Arg(name string) any { return s.args[name] }

// Path locates this field instance in the response tree.
func (s State) Path() Path { return s.path }

// Stage reports the current lifecycle stage.
func (s State) Stage() Stage { return s.stage }

// Value returns the resolved value; meaningful once the stage is resolved.
func (s State) Value() any { return s.value }

// Err returns the failure; meaningful once the stage is failed.
func (s State) Err() error { return s.err }

// Resolve produces the state with the given value and stage resolved. Later
// steps in the chain still run and may replace the value.
func (s State) Resolve(value any) State {
	s.value = value
	s.err = nil
	s.cont = nil
	s.stage = StageResolved
	return s
}

// Fail produces the state with the given error and stage failed. No further
// steps in the chain run for this field.
func (s State) Fail(err error) State {
	s.err = err
	s.cont = nil
	s.stage = StageFailed
	return s
}

// Suspend parks the field until the next pass. The continuation runs first on
// re-entry, then whatever chain steps had not yet run.
func (s State) Suspend(cont Continuation) State {
	s.cont = cont
	s.stage = StageSuspended
	return s
}

package watch

import (
	"errors"
	"fmt"
)

// ErrorKind partitions failures by how the monitor reacts to them.
type ErrorKind int

const (
	// KindConnection: transport-level loss or failure to establish a
	// session, bad credentials included. Triggers the reconnect cycle.
	KindConnection ErrorKind = iota
	// KindProtocol: the server answered, but not usably. Also triggers
	// reconnect, since command state is suspect afterwards.
	KindProtocol
	// KindDetection: new-message detection failed after a wake. Falls
	// through the detection chain before giving up on the cycle.
	KindDetection
	// KindPerMessage: one message failed to fetch, parse, or evaluate.
	// Skipped; the rest of the batch continues.
	KindPerMessage
	// KindTerminal: reconnect attempts exhausted. The monitor stops and
	// needs an external restart.
	KindTerminal
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindDetection:
		return "detection"
	case KindPerMessage:
		return "per-message"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// ClassifiedError carries an ErrorKind alongside the cause so handling sites
// can branch on kind without string matching.
type ClassifiedError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func classify(kind ErrorKind, op string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting unclassified errors to
// connection failures, the conservative choice: they cost a reconnect, never
// a crash.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindConnection
}

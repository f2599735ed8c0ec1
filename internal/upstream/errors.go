package upstream

import "fmt"

// Kind labels where in the upstream exchange a failure happened. The
// router records either kind against the borrowed account; the account
// pool separately inspects the message text for auth classification.
type Kind string

const (
	// KindAcquisition covers the challenge-solve and execution-token steps.
	KindAcquisition Kind = "acquisition"

	// KindStream covers websocket and subscription-protocol failures.
	KindStream Kind = "stream"
)

// Error wraps an upstream failure with its phase and operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func acquisitionError(op string, err error) *Error {
	return &Error{Kind: KindAcquisition, Op: op, Err: err}
}

func streamError(op string, err error) *Error {
	return &Error{Kind: KindStream, Op: op, Err: err}
}

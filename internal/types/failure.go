package types

import "fmt"

// FailureKind classifies a failure for recovery routing. The kinds mirror
// the error taxonomy: transport errors are retried by the client, schema
// errors are re-prompted once, tool errors go back to the model, invariant
// violations are fatal for the task.
type FailureKind string

const (
	FailTransport FailureKind = "transport"
	FailSchema    FailureKind = "schema"
	FailTool      FailureKind = "tool"
	FailVerify    FailureKind = "verification"
	FailInvariant FailureKind = "invariant"
	FailBudget    FailureKind = "budget"
	FailInterrupt FailureKind = "interrupt"
)

// Failure is the structured error carried on every failure path. Hint is an
// actionable message suitable for feeding back to the model or the user.
type Failure struct {
	Kind        FailureKind `json:"kind"`
	Message     string      `json:"message"`
	Hint        string      `json:"hint,omitempty"`
	Recoverable bool        `json:"recoverable"`
	Wrapped     error       `json:"-"`
}

func (f *Failure) Error() string {
	if f.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", f.Kind, f.Message, f.Hint)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Wrapped }

// NewFailure builds a Failure with formatted message.
func NewFailure(kind FailureKind, recoverable bool, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...), Recoverable: recoverable}
}

// WithHint attaches an actionable hint and returns the failure.
func (f *Failure) WithHint(format string, args ...any) *Failure {
	f.Hint = fmt.Sprintf(format, args...)
	return f
}

// Wrap records the underlying cause for errors.Is / errors.As chains.
func (f *Failure) Wrap(err error) *Failure {
	f.Wrapped = err
	return f
}

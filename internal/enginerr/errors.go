// Package enginerr defines the error kinds shared across the engine.
// Each kind is a sentinel that callers match with errors.Is, wrapped
// with context via fmt.Errorf("...: %w").
package enginerr

import "errors"

// Kind classifies an error into one of the seven error kinds the
// engine recognizes, used by components that need to branch on kind
// (e.g. the settlement orchestrator deciding whether to retry).
type Kind string

const (
	KindValidation    Kind = "validation_failure"
	KindMechanism     Kind = "mechanism_failure"
	KindTransient     Kind = "transient_downstream"
	KindTimeout       Kind = "timeout"
	KindIntegrity     Kind = "integrity_failure"
	KindConcurrency   Kind = "concurrency_conflict"
	KindCircuitOpen   Kind = "circuit_open"
)

// Sentinels used with errors.Is for common cases. Component packages
// may define additional, more specific sentinels that wrap these via
// fmt.Errorf("%w: ...", enginerr.ErrValidation) style composition.
var (
	ErrValidation  = errors.New("validation failure")
	ErrMechanism   = errors.New("mechanism failure")
	ErrTransient   = errors.New("transient downstream failure")
	ErrTimeout     = errors.New("deadline exceeded")
	ErrIntegrity   = errors.New("integrity failure")
	ErrConcurrency = errors.New("concurrency conflict")
	ErrCircuitOpen = errors.New("circuit open")
)

// KindOf maps a sentinel to its Kind, defaulting to "" when err does
// not match any recognized sentinel.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrMechanism):
		return KindMechanism
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrConcurrency):
		return KindConcurrency
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	default:
		return ""
	}
}

// Retryable reports whether an error of this kind should be retried
// by an orchestrator-level caller. Only transient downstream failures
// qualify; timeouts and circuit-open both fail fast.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

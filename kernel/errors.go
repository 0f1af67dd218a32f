package kernel

import "fmt"

// ParamError reports a caller-supplied parameter outside the kernel's
// domain. It maps to HTTP 400 at the service boundary.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// NumericalError reports a computation that failed to produce a finite
// result (non-convergence, overflow, or kernel timeout). Individual
// metrics affected by it are reported as absent rather than failing the
// whole batch.
type NumericalError struct {
	Stage  string
	Reason string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("numerical failure in %s: %s", e.Stage, e.Reason)
}

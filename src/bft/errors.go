package bft

import "fmt"

// SafetyViolationError marks an attempt to roll back a committed round or
// shrink a committed prefix. It is the one class of error a node must not
// survive: continuing would break agreement, so the reactor aborts the
// process when it sees one.
type SafetyViolationError struct {
	msg string
}

// NewSafetyViolation creates a new SafetyViolationError.
func NewSafetyViolation(format string, args ...interface{}) SafetyViolationError {
	return SafetyViolationError{msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e SafetyViolationError) Error() string {
	return "safety violation: " + e.msg
}

// IsSafetyViolation checks whether an error is a SafetyViolationError.
func IsSafetyViolation(err error) bool {
	_, ok := err.(SafetyViolationError)
	return ok
}

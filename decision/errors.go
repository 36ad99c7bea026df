package decision

import (
	"errors"
	"fmt"
)

// BusinessError wraps a domain error returned by a Decision's Process. It is
// surfaced unchanged to the caller and never retried.
type BusinessError struct {
	Err error
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("business rule rejected the decision: %v", e.Err)
}

func (e *BusinessError) Unwrap() error { return e.Err }

// IsBusinessError reports whether err is (or wraps) a BusinessError.
// Uses errors.As to handle wrapped errors.
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// ErrRetriesExhausted is returned by Make when the configured retry bound is
// reached without a successful commit. The last concurrency conflict is
// wrapped underneath.
var ErrRetriesExhausted = errors.New("decision retries exhausted")

package service

import "errors"

// ErrPriceRequired is the fatal invariant breach of a LIMIT order
// reaching the resting step without a price. The event dies, the book
// does not.
var ErrPriceRequired = errors.New("limit order must have a price to rest")

type nonRetryable struct {
	err error
}

func (e *nonRetryable) Error() string { return e.err.Error() }
func (e *nonRetryable) Unwrap() error { return e.err }

// NonRetryable marks an error so the intake boundary dead-letters the
// event immediately instead of redelivering it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// IsNonRetryable reports whether the error (or any wrapped cause) was
// marked by NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryable
	return errors.As(err, &nr)
}

package errors

import "errors"

// Re-exports of the standard helpers so callers inside the module only need
// one errors import.

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func Join(errs ...error) error { return errors.Join(errs...) }

func Unwrap(err error) error { return errors.Unwrap(err) }

// ABOUTME: Job error taxonomy shared by the worker loop and its collaborators.
// ABOUTME: Permanent errors skip the retry budget; everything else is retryable.
package joberr

import (
	"errors"
	"regexp"
)

// ErrPermanent marks a job failure that must not be retried.
var ErrPermanent = errors.New("permanent job error")

// permanentPattern matches authentication and authorization failures reported
// as plain text by execution strategies and remote APIs.
var permanentPattern = regexp.MustCompile(
	`(?i)invalid_grant|invalid[ _-]?api[ _-]?key|authentication_error|unauthorized|bad credentials|` +
		`expired[ _-]?(token|credentials?)|(token|credentials?)[ _-]?expired|\b401\b`)

type permanentError struct{ err error }

func (e *permanentError) Error() string        { return e.err.Error() }
func (e *permanentError) Unwrap() error        { return e.err }
func (e *permanentError) Is(target error) bool { return target == ErrPermanent }

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds. The message
// is left unchanged. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err is marked permanent or its message matches
// a known credential or authorization failure.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPermanent) || permanentPattern.MatchString(err.Error())
}

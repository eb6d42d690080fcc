package publish

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Reference errors used as marks. Test with errors.Is.
var (
	ErrTransient = errors.New("transient")
	ErrPermanent = errors.New("permanent")
)

// Class is the outcome category of a failed item.
type Class int

const (
	ClassUnexpected Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unexpected"
	}
}

// Transient marks err as worth retrying. The message is unchanged.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Permanent marks err as a rejection that retrying will not fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// Classify reports the category of err. Unmarked errors are unexpected.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnexpected
	case errors.Is(err, ErrPermanent):
		return ClassPermanent
	case errors.Is(err, ErrTransient):
		return ClassTransient
	default:
		return ClassUnexpected
	}
}

// Retryable is the predicate for retry.Policy.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}

// StatusError builds a marked error from an HTTP status. 408, 429 and 5xx are
// transient; other statuses are permanent.
func StatusError(status int, format string, args ...any) error {
	err := fmt.Errorf("%s (HTTP %d)", fmt.Sprintf(format, args...), status)
	if TransientStatus(status) {
		return Transient(err)
	}
	return Permanent(err)
}

// TransientStatus reports whether an HTTP status is worth retrying.
func TransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// TransportError marks a failed round trip as transient. Cancellation is left
// unmarked so callers can tell it apart from a network fault.
func TransportError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	return Transient(fmt.Errorf("request failed: %w", err))
}

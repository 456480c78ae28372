package broker

import (
	"errors"
	"fmt"
)

type ErrorClass int

const (
	// ClassTransient covers rate limits, timeouts and 5xx responses;
	// the caller skips the cycle and retries on the next cadence tick.
	ClassTransient ErrorClass = iota
	// ClassRejected covers order-level refusals; the attempt aborts
	// and the trade reverts to its pre-attempt state.
	ClassRejected
	// ClassFatal covers account-level conditions that halt the system.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is the typed failure every Broker method returns. Available is
// non-zero only for insufficient-shares rejections, where the venue
// reports how many shares it can actually fill.
type Error struct {
	Class      ErrorClass
	StatusCode int
	Code       string
	Message    string
	Available  float64
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %s (status=%d code=%s): %s", e.Class, e.StatusCode, e.Code, e.Message)
}

// ClassifyStatus maps an HTTP status to an error class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == 429 || status >= 500:
		return ClassTransient
	case status == 401 || status == 403:
		return ClassFatal
	default:
		return ClassRejected
	}
}

func IsTransient(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Class == ClassTransient
}

func IsRejected(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Class == ClassRejected
}

func IsFatal(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Class == ClassFatal
}

// AvailableQuantity extracts the venue-reported fillable quantity from
// an insufficient-shares rejection.
func AvailableQuantity(err error) (float64, bool) {
	var be *Error
	if errors.As(err, &be) && be.Class == ClassRejected && be.Available > 0 {
		return be.Available, true
	}
	return 0, false
}

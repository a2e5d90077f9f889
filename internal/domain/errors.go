package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrQuotaExceeded     = errors.New("daily post quota exceeded")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidChannel    = errors.New("invalid channel")
	ErrNotOwner          = errors.New("not the owner")
	ErrAlreadyTerminal   = errors.New("post already finished")
	ErrStore             = errors.New("store failure")
	ErrChannelLimit      = errors.New("channel limit reached")
	ErrChannelTaken      = errors.New("channel registered by another user")
	ErrEmptyContent      = errors.New("post has no content")
	ErrFireTimeInPast    = errors.New("fire time is in the past")
	ErrNotReady          = errors.New("service not initialized")
	ErrForbidden         = errors.New("admin only")
	ErrContentTooLong    = errors.New("post text too long")
	// ErrDeferred marks an execution that stopped before the post was
	// touched. The post is still scheduled and may be fired again.
	ErrDeferred = errors.New("execution deferred")
)

// QuotaExceededError carries the usage that caused the rejection.
type QuotaExceededError struct {
	Usage Usage
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily post quota exceeded: %d/%d on tier %s", e.Usage.Used, e.Usage.Limit, e.Usage.Tier)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// ContentTooLongError reports text that does not fit in one message.
type ContentTooLongError struct {
	Length  int
	Limit   int
	Caption bool
}

func (e *ContentTooLongError) Error() string {
	what := "text"
	if e.Caption {
		what = "caption"
	}
	return fmt.Sprintf("post %s too long: %d characters, limit %d", what, e.Length, e.Limit)
}

func (e *ContentTooLongError) Is(target error) bool { return target == ErrContentTooLong }

type DeliveryReason string

const (
	ReasonUnreachable DeliveryReason = "unreachable"
	ReasonForbidden   DeliveryReason = "forbidden"
	ReasonRejected    DeliveryReason = "rejected"
)

// DeliveryError is returned by the channel transport.
type DeliveryError struct {
	Reason DeliveryReason
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// AsDeliveryError classifies any error as a delivery failure. Errors that
// are not already a *DeliveryError count as unreachable.
func AsDeliveryError(err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return &DeliveryError{Reason: ReasonUnreachable, Err: err}
}

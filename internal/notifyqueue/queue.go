package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"escalation/internal/notify"
)

// Job is one failed delivery awaiting redelivery.
// Params: target channel and outbound payload snapshot.
// Returns: queue unit consumed by redelivery workers.
type Job struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Outbound  notify.Outbound `json:"outbound"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// BuildJobID creates deterministic id for one redelivery task.
// Params: channel key and outbound payload.
// Returns: stable SHA1-based id string.
func BuildJobID(channel string, outbound notify.Outbound) string {
	raw := fmt.Sprintf(
		"%s|%s|%s|%s|%s",
		channel,
		outbound.UserID,
		outbound.DeviceID,
		outbound.RecordID,
		outbound.Message,
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues redelivery jobs.
// Params: context and queue job payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Worker consumes queued jobs and acknowledges delivery status.
// Params: close hook for shutdown lifecycle.
// Returns: queue worker lifecycle.
type Worker interface {
	Close() error
}

// permanentError wraps one non-retryable delivery failure.
// Params: wrapped root cause error.
// Returns: error with permanent retry classification.
type permanentError struct {
	cause error
}

// Error returns wrapped cause message.
// Params: none.
// Returns: cause error text.
func (e *permanentError) Error() string {
	if e == nil || e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

// Unwrap exposes the root cause for errors.Is/As.
// Params: none.
// Returns: wrapped error.
func (e *permanentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// MarkPermanent wraps error as permanent delivery failure.
// Params: source error.
// Returns: wrapped permanent error (or nil when input is nil).
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

// IsPermanent reports whether error is marked as non-retryable.
// Params: delivery error.
// Returns: true when worker must not retry.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var marked *permanentError
	return errors.As(err, &marked)
}

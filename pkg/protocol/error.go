package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a transmission that might have
	// started anyway. For example, if a transport does not confirm an advertisement within the
	// caller's deadline, the advertisement may still have gone on air after the deadline expired.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition. For
	// example, the hardware advertiser slot is shared by every channel, and a transmission can
	// fail simply because another channel holds it at that moment.
	Temporary() bool
}

var (
	// ErrTransportUnavailable indicates the device has no broadcast capability. Operations that
	// fail with this error should not be retried.
	ErrTransportUnavailable = NewError("broadcast transport unavailable", false, false)
	// ErrMediumDisabled indicates the adapter exists but is currently powered off.
	ErrMediumDisabled = NewError("broadcast medium disabled", false, true)
	// ErrPayloadTooSmallBudget indicates the frame budget leaves no room for fragment data after
	// the fragment header.
	ErrPayloadTooSmallBudget = NewError("frame budget too small to carry fragment data", false, false)
	// ErrTooManyFragments indicates the payload would need more fragments than the header can
	// count.
	ErrTooManyFragments = NewError("payload requires more than 255 fragments", false, false)
	// ErrEmptyPayload indicates a caller tried to broadcast zero bytes.
	ErrEmptyPayload = NewError("payload is empty", false, false)
	// ErrTransmissionFailed indicates the transport rejected a frame.
	ErrTransmissionFailed = NewError("transmission failed", false, true)
	// ErrTransmissionTimeout indicates the transport did not report start success or failure
	// before the deadline.
	ErrTransmissionTimeout = NewError("transmission start not confirmed before deadline", true, true)
	// ErrAdvertiserBusy indicates every hardware advertiser instance is in use.
	ErrAdvertiserBusy = NewError("no advertising instance is available", false, true)
	// ErrDataTooLarge indicates the frame exceeds what the hardware can advertise in the
	// requested mode.
	ErrDataTooLarge = NewError("advertise data is too large", false, false)
	// ErrExtendedUnsupported indicates extended framing was requested from a transport that
	// cannot provide it.
	ErrExtendedUnsupported = NewError("extended advertising is not supported on this device", false, false)
	ErrInvalidCompanyID    = errors.New("invalid company id")
	ErrInvalidChannelID    = errors.New("channel id must be a UUID")
)

type BroadcastError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &BroadcastError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *BroadcastError) Error() string {
	return e.Err.Error()
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

func (e *BroadcastError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *BroadcastError) Temporary() bool {
	return e.PossibleTemporary
}

// TransmissionError records which fragment of which channel failed to go on air.
type TransmissionError struct {
	ChannelID string
	Index     int
	Err       error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("channel %s: fragment %d: %s", e.ChannelID, e.Index, e.Err)
}

func (e *TransmissionError) Unwrap() error {
	return e.Err
}

func (e *TransmissionError) MayHaveSucceeded() bool {
	return MayHaveSucceeded(e.Err)
}

func (e *TransmissionError) Temporary() bool {
	return Temporary(e.Err)
}

// MayHaveSucceeded returns true if err (or an error it wraps) indicates a transmission may have
// started even though the caller did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	var e Error
	if errors.As(err, &e) && e.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err (or an error it wraps) indicates a possibly transient condition
// that does not require user action to resolve.
func Temporary(err error) bool {
	var e Error
	if errors.As(err, &e) && e.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the caller should retry the operation that triggered err.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}

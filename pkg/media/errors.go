package media

import (
	"errors"
	"fmt"
	"strings"
)

// Acquisition failure reasons. Consumers branch on these instead of parsing
// driver error strings.
const (
	ReasonPermissionDenied = "permission_denied"
	ReasonDeviceNotFound   = "device_not_found"
	ReasonDeviceBusy       = "device_busy"
	ReasonUnsupported      = "unsupported"
)

// AcquisitionError classifies a capture failure
type AcquisitionError struct {
	Reason string
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media acquisition failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media acquisition failed (%s)", e.Reason)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Reason extracts the classified reason from an acquisition error chain,
// or empty when err is not an acquisition failure.
func Reason(err error) string {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// classify maps a raw driver error onto one of the failure reasons. Driver
// errors are free-form strings, so this is substring matching on the common
// V4L2/ALSA failure modes.
func classify(err error) *AcquisitionError {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "not permitted"):
		return &AcquisitionError{Reason: ReasonPermissionDenied, Err: err}
	case strings.Contains(msg, "no such"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "no device"),
		strings.Contains(msg, "failed to find"):
		return &AcquisitionError{Reason: ReasonDeviceNotFound, Err: err}
	case strings.Contains(msg, "busy"),
		strings.Contains(msg, "in use"),
		strings.Contains(msg, "temporarily unavailable"):
		return &AcquisitionError{Reason: ReasonDeviceBusy, Err: err}
	default:
		return &AcquisitionError{Reason: ReasonUnsupported, Err: err}
	}
}

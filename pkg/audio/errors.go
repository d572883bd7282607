package audio

import "fmt"

// PermissionError reports that an audio device could not be acquired, either
// because access was denied or because no usable device exists. It is not
// retryable without user action.
type PermissionError struct {
	// Device names the device that was requested, or "" for the default.
	Device string

	// Err is the underlying driver error.
	Err error
}

func (e *PermissionError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default device"
	}
	return fmt.Sprintf("audio: cannot acquire %s: %v", dev, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// DecodeError reports a malformed inbound audio payload. A single DecodeError
// only ever affects the frame it was produced for.
type DecodeError struct {
	// Size is the length of the offending payload.
	Size int

	// Err is the underlying decoding error.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: malformed payload (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

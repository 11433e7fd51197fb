// Package audio acquires microphone input, cuts it into fixed-size PCM
// frames and produces the local playback artifact for a recording.
package audio

import (
	"errors"
	"fmt"
)

// AcquisitionErrorKind classifies why a capture device could not be acquired.
type AcquisitionErrorKind string

const (
	PermissionDenied AcquisitionErrorKind = "permission-denied"
	NoDevice         AcquisitionErrorKind = "no-device"
	Unsupported      AcquisitionErrorKind = "unsupported"
)

// AcquisitionError is returned by Device.Acquire. It is fatal to session start
// and is never retried automatically.
type AcquisitionError struct {
	Kind AcquisitionErrorKind
	Err  error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio acquisition failed: %s", e.Kind)
	}
	return fmt.Sprintf("audio acquisition failed: %s: %v", e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// IsAcquisitionError reports whether err is an AcquisitionError of the given kind.
func IsAcquisitionError(err error, kind AcquisitionErrorKind) bool {
	var ae *AcquisitionError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == kind
}

// Constraints describe how the microphone stream is requested.
type Constraints struct {
	SampleRate       int  // target rate after device-level resampling
	Channels         int  // always 1
	EchoCancellation bool // best effort, backend dependent
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints returns the fixed capture constraints used for dictation.
func DefaultConstraints(sampleRate int) Constraints {
	return Constraints{
		SampleRate:       sampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// SampleSink consumes float samples in [-1, 1] at the constraint sample rate.
// It is invoked on the device's real-time thread and must not block.
type SampleSink interface {
	Write(samples []float32)
}

// Handle is an acquired capture stream. Connect attaches the single consumer
// (the framer); only one consumer may be attached at a time.
type Handle interface {
	Connect(sink SampleSink) error
	Disconnect()
	// Close stops the processing stream that feeds the sink.
	Close() error
	// Release stops all underlying hardware. Idempotent and safe from any state.
	Release() error
}

// ErrSinkAttached is returned by Connect when a consumer is already attached.
var ErrSinkAttached = errors.New("audio: sink already attached")

// Device acquires capture handles.
type Device interface {
	Acquire(c Constraints) (Handle, error)
}

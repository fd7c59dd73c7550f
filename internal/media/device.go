package media

import "errors"

// ErrMediaAccess indicates capture could not start: permission denied or
// the device is unavailable. Retryable on user action.
var ErrMediaAccess = errors.New("media: device access denied or unavailable")

// Capabilities is what the device can do at most.
type Capabilities struct {
	MaxWidth     int
	MaxHeight    int
	MaxFrameRate float64
}

// Settings is what the device is actually capturing.
type Settings struct {
	Width     int
	Height    int
	FrameRate float64
}

// Device is a capture backend: one camera plus one microphone.
//
// Open starts capture for the profile and fails when access is denied.
// Apply renegotiates video constraints on a live device and returns the
// resulting settings. ObservedFrameRate is the locally measured source
// rate, which can fall below Settings().FrameRate under OS or driver
// throttling; the watchdog consumes it.
//
// VideoFrame and AudioChunk yield the most recent encoded frame and the
// next audio payload for the pacing pumps. PCMWindow exposes the latest
// raw samples for the level meter.
type Device interface {
	Open(profile Profile) error
	Close() error

	Capabilities() Capabilities
	Apply(video VideoConstraints) (Settings, error)
	VideoSettings() Settings
	ObservedFrameRate() float64

	VideoFrame() []byte
	AudioChunk() []byte
	PCMWindow() []float32
}

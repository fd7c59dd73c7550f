// Package media models local capture: constraint negotiation, the frame
// rate watchdog, the audio level meter, and track ownership. Capture
// hardware is abstracted behind the Device interface so the negotiation
// logic is the same for a real capture backend and the synthetic device
// used by the headless client and the tests.
package media

// MaxFrameRate is the hard ceiling applied to video capture regardless of
// device capability, bounding encoder load and bandwidth.
const MaxFrameRate = 30.0

// lowFrameRateThreshold is the observed frame rate below which the
// watchdog re-applies constraints.
const lowFrameRateThreshold = 25.0

// VideoConstraints is the desired capture shape. Ideal values are targets;
// Min/Max bound what the device may pick.
type VideoConstraints struct {
	IdealWidth  int
	IdealHeight int
	MaxWidth    int
	MaxHeight   int

	IdealFrameRate float64
	MinFrameRate   float64
	MaxFrameRate   float64

	AspectRatio float64
}

// AudioConstraints are the audio processing flags requested at capture.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
}

// Profile bundles the capture request.
type Profile struct {
	Video VideoConstraints
	Audio AudioConstraints
}

// DefaultProfile is the capture request used for calls: ideal 720p at
// 30 fps, capped at 1080p, 16:9, with all audio processing on.
func DefaultProfile() Profile {
	return Profile{
		Video: VideoConstraints{
			IdealWidth:     1280,
			IdealHeight:    720,
			MaxWidth:       1920,
			MaxHeight:      1080,
			IdealFrameRate: 30,
			MinFrameRate:   20,
			MaxFrameRate:   60,
			AspectRatio:    16.0 / 9.0,
		},
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			SampleRate:       48000,
		},
	}
}

package media

import (
	"encoding/binary"
	"math"
	"sync"
)

// SyntheticDevice is a capture backend producing a moving-bar test pattern
// and a sine tone. It backs the headless call client and the tests.
//
// The zero value is not usable; construct with NewSyntheticDevice.
type SyntheticDevice struct {
	caps Capabilities

	mu       sync.Mutex
	open     bool
	failOpen error
	settings Settings
	observed float64
	applied  []VideoConstraints

	barPos     int
	audioPhase float64
	toneHz     float64
	sampleRate int
	pcm        []float32
}

type SyntheticOption func(*SyntheticDevice)

// WithCapabilities overrides the default 1920x1080 at 60 fps capability.
func WithCapabilities(caps Capabilities) SyntheticOption {
	return func(d *SyntheticDevice) { d.caps = caps }
}

// WithOpenError makes Open fail, simulating a denied or missing device.
func WithOpenError(err error) SyntheticOption {
	return func(d *SyntheticDevice) { d.failOpen = err }
}

func NewSyntheticDevice(opts ...SyntheticOption) *SyntheticDevice {
	d := &SyntheticDevice{
		caps:       Capabilities{MaxWidth: 1920, MaxHeight: 1080, MaxFrameRate: 60},
		toneHz:     440,
		sampleRate: 48000,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *SyntheticDevice) Open(profile Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOpen != nil {
		return d.failOpen
	}
	if profile.Audio.SampleRate > 0 {
		d.sampleRate = profile.Audio.SampleRate
	}
	d.settings = d.pick(profile.Video)
	d.observed = d.settings.FrameRate
	d.open = true
	return nil
}

func (d *SyntheticDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *SyntheticDevice) Capabilities() Capabilities { return d.caps }

func (d *SyntheticDevice) Apply(video VideoConstraints) (Settings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return Settings{}, ErrMediaAccess
	}
	d.applied = append(d.applied, video)
	d.settings = d.pick(video)
	d.observed = d.settings.FrameRate
	return d.settings, nil
}

// pick resolves constraints against capability the way a capture stack
// does: ideal clamped into [min, max] and into capability.
func (d *SyntheticDevice) pick(video VideoConstraints) Settings {
	s := Settings{
		Width:     clampInt(video.IdealWidth, 0, d.caps.MaxWidth),
		Height:    clampInt(video.IdealHeight, 0, d.caps.MaxHeight),
		FrameRate: video.IdealFrameRate,
	}
	if video.MaxWidth > 0 && s.Width > video.MaxWidth {
		s.Width = video.MaxWidth
	}
	if video.MaxHeight > 0 && s.Height > video.MaxHeight {
		s.Height = video.MaxHeight
	}
	if video.MaxFrameRate > 0 && s.FrameRate > video.MaxFrameRate {
		s.FrameRate = video.MaxFrameRate
	}
	if video.MinFrameRate > 0 && s.FrameRate < video.MinFrameRate {
		s.FrameRate = video.MinFrameRate
	}
	if d.caps.MaxFrameRate > 0 && s.FrameRate > d.caps.MaxFrameRate {
		s.FrameRate = d.caps.MaxFrameRate
	}
	return s
}

func (d *SyntheticDevice) VideoSettings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *SyntheticDevice) ObservedFrameRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observed
}

// SimulateObservedFrameRate forces the reported source rate, standing in
// for OS or driver throttling.
func (d *SyntheticDevice) SimulateObservedFrameRate(fps float64) {
	d.mu.Lock()
	d.observed = fps
	d.mu.Unlock()
}

// AppliedConstraints returns every constraint set passed to Apply, in
// order.
func (d *SyntheticDevice) AppliedConstraints() []VideoConstraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]VideoConstraints, len(d.applied))
	copy(out, d.applied)
	return out
}

// VideoFrame renders a small luma plane with a vertical bar that advances
// one column per frame. The payload is stable in size so pacing dominates
// bandwidth, which is all the synthetic client needs.
func (d *SyntheticDevice) VideoFrame() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	const w, h = 64, 36
	frame := make([]byte, w*h)
	bar := d.barPos % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x == bar {
				frame[y*w+x] = 0xFF
			} else {
				frame[y*w+x] = 0x10
			}
		}
	}
	d.barPos++
	return frame
}

// AudioChunk returns 20 ms of 16-bit little-endian PCM sine tone and
// refreshes the window read by PCMWindow.
func (d *SyntheticDevice) AudioChunk() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.sampleRate / 50
	chunk := make([]byte, n*2)
	window := make([]float32, n)
	step := 2 * math.Pi * d.toneHz / float64(d.sampleRate)
	for i := 0; i < n; i++ {
		v := math.Sin(d.audioPhase)
		d.audioPhase += step
		window[i] = float32(v)
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(int16(v*math.MaxInt16*0.5)))
	}
	if d.audioPhase > 2*math.Pi {
		d.audioPhase -= 2 * math.Pi
	}
	d.pcm = window
	return chunk
}

func (d *SyntheticDevice) PCMWindow() []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pcm == nil {
		return nil
	}
	out := make([]float32, len(d.pcm))
	copy(out, d.pcm)
	return out
}

func clampInt(v, min, max int) int {
	if min > 0 && v < min {
		return min
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

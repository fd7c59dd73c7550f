package media

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrAlreadyAcquired = errors.New("media: pipeline already acquired")

// LocalTracks are the outbound tracks produced by the pipeline. The
// pipeline owns them for their full lifetime; a peer session only borrows
// them for attachment and must never stop them.
type LocalTracks struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	// VideoSettings is the capture shape at acquisition time, after the
	// frame rate ceiling was applied.
	VideoSettings Settings
}

type PipelineConfig struct {
	// WatchdogInterval is how often the frame rate watchdog runs.
	// Defaults to 2 seconds.
	WatchdogInterval time.Duration
	// LevelInterval is how often the audio level is sampled. Defaults to
	// 100 ms.
	LevelInterval time.Duration
	// OnLevel, if set, observes each level sample. Feedback only; the
	// level never gates audio.
	OnLevel func(level float64)
}

// Pipeline drives one capture device: constraint negotiation at acquire
// time, paced track writes, the frame rate watchdog, and the audio level
// meter.
type Pipeline struct {
	dev Device
	cfg PipelineConfig
	log *slog.Logger

	mu          sync.Mutex
	tracks      *LocalTracks
	constraints VideoConstraints

	levelBits    atomic.Uint64
	audioEnabled atomic.Bool
	videoEnabled atomic.Bool

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPipeline(dev Device, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 2 * time.Second
	}
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		dev:  dev,
		cfg:  cfg,
		log:  logger,
		stop: make(chan struct{}),
	}
	p.audioEnabled.Store(true)
	p.videoEnabled.Store(true)
	return p
}

// Acquire opens the device with the profile, applies the frame rate
// ceiling, builds the local tracks, and starts the pumps, the watchdog and
// the level meter. Device failures surface as ErrMediaAccess.
func (p *Pipeline) Acquire(profile Profile) (*LocalTracks, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tracks != nil {
		return nil, ErrAlreadyAcquired
	}

	if err := p.dev.Open(profile); err != nil {
		if errors.Is(err, ErrMediaAccess) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	p.constraints = profile.Video

	// The device may have settled below what it is capable of. Renegotiate
	// toward the ceiling, never above it: 30 is a bandwidth and encoder
	// bound, not a capability limit.
	settings := p.dev.VideoSettings()
	caps := p.dev.Capabilities()
	if caps.MaxFrameRate > settings.FrameRate {
		target := math.Min(MaxFrameRate, caps.MaxFrameRate)
		if target != settings.FrameRate {
			s, err := p.applyFrameRateLocked(target)
			if err != nil {
				p.log.Warn("frame rate renegotiation failed", "target", target, "err", err)
			} else {
				settings = s
			}
		}
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "pairwave-audio")
	if err != nil {
		_ = p.dev.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "pairwave-video")
	if err != nil {
		_ = p.dev.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	p.tracks = &LocalTracks{Audio: audio, Video: video, VideoSettings: settings}

	p.wg.Add(4)
	go p.videoPump(video)
	go p.audioPump(audio)
	go p.watchdogLoop()
	go p.levelLoop()

	return p.tracks, nil
}

// SetAudioEnabled mutes or unmutes locally. Never relayed over signaling.
func (p *Pipeline) SetAudioEnabled(enabled bool) { p.audioEnabled.Store(enabled) }

// SetVideoEnabled turns the camera track on or off locally.
func (p *Pipeline) SetVideoEnabled(enabled bool) { p.videoEnabled.Store(enabled) }

func (p *Pipeline) AudioEnabled() bool { return p.audioEnabled.Load() }
func (p *Pipeline) VideoEnabled() bool { return p.videoEnabled.Load() }

// Level reports the most recent audio level in [0,1]. Zero after Close.
func (p *Pipeline) Level() float64 {
	return math.Float64frombits(p.levelBits.Load())
}

// Close stops every pump and timer and releases the device. Idempotent.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		_ = p.dev.Close()
		p.levelBits.Store(0)
	})
}

func (p *Pipeline) videoPump(track *webrtc.TrackLocalStaticSample) {
	defer p.wg.Done()
	for {
		fps := p.dev.VideoSettings().FrameRate
		if fps <= 0 {
			fps = MaxFrameRate
		}
		interval := time.Duration(float64(time.Second) / fps)
		select {
		case <-p.stop:
			return
		case <-time.After(interval):
		}
		if !p.videoEnabled.Load() {
			continue
		}
		sample := pionmedia.Sample{Data: p.dev.VideoFrame(), Duration: interval}
		if err := track.WriteSample(sample); err != nil {
			p.log.Debug("video sample write failed", "err", err)
		}
	}
}

func (p *Pipeline) audioPump(track *webrtc.TrackLocalStaticSample) {
	defer p.wg.Done()
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		chunk := p.dev.AudioChunk()
		if !p.audioEnabled.Load() {
			continue
		}
		sample := pionmedia.Sample{Data: chunk, Duration: frame}
		if err := track.WriteSample(sample); err != nil {
			p.log.Debug("audio sample write failed", "err", err)
		}
	}
}

func (p *Pipeline) watchdogLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.watchdogTick()
		}
	}
}

// watchdogTick re-applies the ideal frame rate constraint when the source
// has been throttled below threshold while the device could do better.
func (p *Pipeline) watchdogTick() {
	fps := p.dev.ObservedFrameRate()
	caps := p.dev.Capabilities()
	if fps >= lowFrameRateThreshold || caps.MaxFrameRate < lowFrameRateThreshold {
		return
	}
	target := math.Min(MaxFrameRate, caps.MaxFrameRate)
	p.log.Info("frame rate below threshold, re-applying constraints",
		"observed_fps", fps, "target_fps", target)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.applyFrameRateLocked(target); err != nil {
		p.log.Warn("watchdog constraint re-apply failed", "err", err)
	}
}

func (p *Pipeline) applyFrameRateLocked(target float64) (Settings, error) {
	vc := p.constraints
	vc.IdealFrameRate = target
	s, err := p.dev.Apply(vc)
	if err != nil {
		return Settings{}, err
	}
	if p.tracks != nil {
		p.tracks.VideoSettings = s
	}
	return s, nil
}

func (p *Pipeline) levelLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.LevelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		level := Level(p.dev.PCMWindow())
		p.levelBits.Store(math.Float64bits(level))
		if p.cfg.OnLevel != nil {
			p.cfg.OnLevel(level)
		}
	}
}

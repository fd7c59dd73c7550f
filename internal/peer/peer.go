// Package peer wraps one WebRTC peer connection for a paired call:
// local track attachment, offer/answer exchange driven by the assigned
// role, and ICE candidate relay with pre-description buffering.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/pairwave/pairwave/internal/media"
	"github.com/pairwave/pairwave/internal/signaling"
)

var ErrNegotiation = errors.New("peer: negotiation failed")

// Signaler relays local SDP and ICE payloads to the partner. The
// signaling client satisfies it.
type Signaler interface {
	SendOffer(offer json.RawMessage) error
	SendAnswer(answer json.RawMessage) error
	SendCandidate(candidate json.RawMessage) error
}

// Hooks are the session's outbound callbacks.
type Hooks struct {
	// RemoteTrack fires exactly once, on the first inbound track. This is
	// the in-call trigger.
	RemoteTrack func(track *webrtc.TrackRemote)
	// Failed fires when the connection or negotiation fails locally.
	Failed func(err error)
}

type Config struct {
	// STUNURLs are the ICE servers; STUN only, no TURN fallback.
	STUNURLs []string
	// API overrides the default pion API construction. Tests use it to
	// run peers over vnet.
	API *webrtc.API
}

// NewAPI builds the pion API used for calls: default codecs, default
// interceptors, and pion's own logging wired through the setting engine.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Session owns one peer connection for the lifetime of one room.
//
// Local tracks are borrowed from the media pipeline, never stopped here;
// closing the session releases the connection and the borrow, nothing
// else.
type Session struct {
	pc    *webrtc.PeerConnection
	sig   Signaler
	hooks Hooks
	log   *slog.Logger

	audioParams EncodingParameters
	videoParams EncodingParameters

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	haveRemote bool

	trackOnce sync.Once
	closeOnce sync.Once
}

func NewSession(cfg Config, tracks *media.LocalTracks, sig Signaler, hooks Hooks, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	api := cfg.API
	if api == nil {
		var err error
		api, err = NewAPI()
		if err != nil {
			return nil, err
		}
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNURLs))
	for _, u := range cfg.STUNURLs {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:    iceServers,
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &Session{
		pc:    pc,
		sig:   sig,
		hooks: hooks,
		log:   logger,
	}

	if tracks != nil {
		if err := s.attach(tracks); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			s.log.Warn("marshal local candidate", "err", err)
			return
		}
		if err := s.sig.SendCandidate(payload); err != nil {
			s.log.Warn("relay local candidate", "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.trackOnce.Do(func() {
			if s.hooks.RemoteTrack != nil {
				s.hooks.RemoteTrack(track)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed && s.hooks.Failed != nil {
			s.hooks.Failed(fmt.Errorf("%w: connection failed", ErrNegotiation))
		}
	})

	return s, nil
}

func (s *Session) attach(tracks *media.LocalTracks) error {
	audioSender, err := s.pc.AddTrack(tracks.Audio)
	if err != nil {
		return fmt.Errorf("attach audio track: %w", err)
	}
	videoSender, err := s.pc.AddTrack(tracks.Video)
	if err != nil {
		return fmt.Errorf("attach video track: %w", err)
	}
	s.audioParams = AudioEncoding()
	s.videoParams = VideoEncoding(tracks.VideoSettings)

	// Senders must be drained for interceptors (NACK, RTCP reports) to run.
	go drainRTCP(audioSender)
	go drainRTCP(videoSender)
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Encodings reports the derived per-track tuning.
func (s *Session) Encodings() (audio, video EncodingParameters) {
	return s.audioParams, s.videoParams
}

// Start drives negotiation for the assigned role. The caller side creates
// and relays the offer, requesting audio and video receive; the callee
// waits for the remote offer.
func (s *Session) Start(role signaling.Role) error {
	if role != signaling.RoleCaller {
		return nil
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("%w: add %s transceiver: %v", ErrNegotiation, kind, err)
		}
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("%w: marshal offer: %v", ErrNegotiation, err)
	}
	if err := s.sig.SendOffer(payload); err != nil {
		return fmt.Errorf("%w: relay offer: %v", ErrNegotiation, err)
	}
	return nil
}

// HandleRemoteOffer applies the partner's offer and relays an answer.
func (s *Session) HandleRemoteOffer(raw json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return fmt.Errorf("%w: decode offer: %v", ErrNegotiation, err)
	}
	if err := s.setRemoteDescription(offer); err != nil {
		return err
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("%w: marshal answer: %v", ErrNegotiation, err)
	}
	if err := s.sig.SendAnswer(payload); err != nil {
		return fmt.Errorf("%w: relay answer: %v", ErrNegotiation, err)
	}
	return nil
}

// HandleRemoteAnswer applies the partner's answer.
func (s *Session) HandleRemoteAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("%w: decode answer: %v", ErrNegotiation, err)
	}
	return s.setRemoteDescription(answer)
}

func (s *Session) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, desc.Type, err)
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.haveRemote = true
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.log.Warn("apply buffered candidate", "err", err)
		}
	}
	return nil
}

// HandleRemoteCandidate adds a relayed ICE candidate. Candidates arriving
// before the remote description are buffered and flushed once it is set.
func (s *Session) HandleRemoteCandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("%w: decode candidate: %v", ErrNegotiation, err)
	}

	s.mu.Lock()
	if !s.haveRemote {
		s.pending = append(s.pending, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	return nil
}

// BufferedCandidates reports how many remote candidates await the remote
// description.
func (s *Session) BufferedCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ConnectionState exposes the underlying connection state.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// Close releases the peer connection and drops remote track references.
// Local tracks are untouched; the media pipeline owns them. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := s.pc.Close(); err != nil {
			s.log.Debug("peer connection close", "err", err)
		}
	})
}

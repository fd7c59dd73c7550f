package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/pairwave/pairwave/internal/config"
	"github.com/pairwave/pairwave/internal/media"
	"github.com/pairwave/pairwave/internal/peer"
	"github.com/pairwave/pairwave/internal/presence"
	"github.com/pairwave/pairwave/internal/signaling"
	"github.com/pairwave/pairwave/internal/token"
)

var callCmd = &cobra.Command{
	Use:   "call [flags]",
	Short: "Run a headless call client against a signaling server",
	Long: `call obtains a credential from the token service, connects to the
signaling server, searches for a partner, and negotiates a WebRTC session
with a synthetic capture device (test pattern video, sine tone audio).
When the partner leaves it searches again; stop with SIGINT.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(args)
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}

func runCall(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	watcher := presence.NewWatcher(cfg.PresenceURL, presence.Config{
		OnCount: func(n int) { logger.Debug("online users", "count", n) },
	}, logger)
	watcher.Start()
	defer watcher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	broker := token.NewBroker(cfg.TokenURL, nil)
	cred, err := broker.RequestToken(ctx)
	cancel()
	if err != nil {
		var rle *token.RateLimitedError
		if errors.As(err, &rle) {
			return fmt.Errorf("token issuance throttled, retry in %ds", rle.RetryAfter)
		}
		return err
	}
	logger.Info("credential issued", "expires_at", cred.ExpiresAt)

	pipeline := media.NewPipeline(media.NewSyntheticDevice(), media.PipelineConfig{}, logger)
	tracks, err := pipeline.Acquire(media.DefaultProfile())
	if err != nil {
		return err
	}
	defer pipeline.Close()
	logger.Info("capture started",
		"width", tracks.VideoSettings.Width,
		"height", tracks.VideoSettings.Height,
		"fps", tracks.VideoSettings.FrameRate,
	)

	session := &callSession{
		cfg:      cfg,
		log:      logger,
		pipeline: pipeline,
		tracks:   tracks,
	}

	client := signaling.NewClient(cfg.SignalingURL, cred, signaling.Hooks{
		StateChanged: session.stateChanged,
		StartPeer:    session.startPeer,
		TeardownPeer: session.teardownPeer,
		Signal:       session.signal,
		AuthFailed: func(msg string) {
			logger.Error("authentication rejected, credential is spent", "message", msg)
		},
		Disconnected: func(err error) {
			if err != nil {
				logger.Info("signaling socket lost", "err", err)
			}
		},
	}, logger)
	session.client = client

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = client.Connect(dialCtx)
	dialCancel()
	if err != nil {
		return err
	}
	defer client.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		client.LeaveCall()
		client.Close()
		<-client.Done()
	case <-client.Done():
		logger.Info("signaling channel closed")
	}
	return nil
}

// callSession glues the signaling client, the media pipeline, and the
// active peer session together. The peer field is only touched from the
// client's dispatch goroutine.
type callSession struct {
	cfg      config.Config
	log      *slog.Logger
	client   *signaling.Client
	pipeline *media.Pipeline
	tracks   *media.LocalTracks

	peer *peer.Session
}

func (s *callSession) stateChanged(from, to signaling.State) {
	s.log.Info("connection state", "from", from.String(), "to", to.String())
	// The headless client searches whenever it is idle on a live socket.
	if to == signaling.StateConnected {
		s.client.FindMatch()
	}
}

func (s *callSession) startPeer(room signaling.RoomSession) {
	s.log.Info("matched", "room", room.RoomID, "partner", room.PartnerID, "role", string(room.Role))

	sess, err := peer.NewSession(peer.Config{STUNURLs: s.cfg.STUNURLs}, s.tracks, s.client, peer.Hooks{
		RemoteTrack: func(track *webrtc.TrackRemote) {
			s.log.Info("remote track", "kind", track.Kind().String())
			s.client.CallLive()
		},
		Failed: func(err error) {
			s.client.NegotiationFailed(err)
		},
	}, s.log)
	if err != nil {
		s.log.Error("peer session setup failed", "err", err)
		s.client.NegotiationFailed(err)
		return
	}
	s.peer = sess

	audioEnc, videoEnc := sess.Encodings()
	s.log.Debug("encodings",
		"audio_bitrate", audioEnc.MaxBitrate,
		"video_bitrate", videoEnc.MaxBitrate,
		"video_fps", videoEnc.MaxFramerate,
	)

	if err := sess.Start(room.Role); err != nil {
		s.log.Error("negotiation start failed", "err", err)
		s.client.NegotiationFailed(err)
	}
}

func (s *callSession) teardownPeer() {
	if s.peer != nil {
		s.peer.Close()
		s.peer = nil
	}
}

func (s *callSession) signal(event string, data json.RawMessage) {
	if s.peer == nil {
		return
	}
	var err error
	switch event {
	case signaling.EvtWebRTCOffer:
		var d signaling.OfferData
		if err = json.Unmarshal(data, &d); err == nil {
			err = s.peer.HandleRemoteOffer(d.Offer)
		}
	case signaling.EvtWebRTCAnswer:
		var d signaling.AnswerData
		if err = json.Unmarshal(data, &d); err == nil {
			err = s.peer.HandleRemoteAnswer(d.Answer)
		}
	case signaling.EvtWebRTCICECandidate:
		var d signaling.CandidateData
		if err = json.Unmarshal(data, &d); err == nil {
			err = s.peer.HandleRemoteCandidate(d.Candidate)
		}
	}
	if err != nil {
		s.log.Error("negotiation failed", "event", event, "err", err)
		s.client.NegotiationFailed(err)
	}
}

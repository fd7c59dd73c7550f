package peer

import (
	"math"

	"github.com/pairwave/pairwave/internal/media"
)

// Encoding bounds. Video bitrate scales with pixel rate up to a hard cap
// chosen for STUN-only paths; audio is a fixed conversational budget.
const (
	audioMaxBitrate = 64_000
	videoMaxBitrate = 2_500_000
	bitsPerPixel    = 0.1
)

// EncodingParameters tune one outbound track. pion's sender does not take
// browser-style encoding structs; the derived values bound the sample
// source pacing and are exposed for inspection.
type EncodingParameters struct {
	MaxBitrate            int
	MaxFramerate          float64
	ScaleResolutionDownBy float64
	HighPriority          bool
	// DTX stops transmission during silence.
	DTX bool
}

// AudioEncoding is the fixed tuning for the microphone track.
func AudioEncoding() EncodingParameters {
	return EncodingParameters{
		MaxBitrate:   audioMaxBitrate,
		HighPriority: true,
		DTX:          true,
	}
}

// VideoEncoding derives camera track tuning from the captured settings:
// frame rate capped at 30, no downscaling, bitrate proportional to pixel
// rate and capped at 2.5 Mbps.
func VideoEncoding(s media.Settings) EncodingParameters {
	fps := math.Min(media.MaxFrameRate, s.FrameRate)
	bitrate := float64(s.Width) * float64(s.Height) * fps * bitsPerPixel
	return EncodingParameters{
		MaxBitrate:            int(math.Min(videoMaxBitrate, bitrate)),
		MaxFramerate:          fps,
		ScaleResolutionDownBy: 1.0,
	}
}

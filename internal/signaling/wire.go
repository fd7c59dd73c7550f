// Package signaling implements the client side of the matchmaking control
// channel: the wire envelope, the connection state machine, and the
// WebSocket client that binds them together.
package signaling

import (
	"encoding/json"
	"fmt"
)

// Wire event names, client to server.
const (
	EvtFindMatch          = "find-match"
	EvtCancelSearch       = "cancel-search"
	EvtWebRTCOffer        = "webrtc-offer"
	EvtWebRTCAnswer       = "webrtc-answer"
	EvtWebRTCICECandidate = "webrtc-ice-candidate"
	EvtLeaveCall          = "leave-call"
	// EvtJoinRoom belongs to the text-chat variant of the protocol. The
	// video client never sends it; the constant documents the full wire
	// contract.
	EvtJoinRoom = "join room"
)

// Wire event names, server to client. webrtc-offer/answer/ice-candidate are
// relayed verbatim in both directions.
const (
	EvtConnected           = "connected"
	EvtSearching           = "searching"
	EvtSearchCanceled      = "search-canceled"
	EvtMatchFound          = "match-found"
	EvtPartnerLeft         = "partner-left"
	EvtPartnerDisconnected = "partner-disconnected"
	EvtCallEnded           = "call-ended"
	EvtError               = "error"
)

// Envelope is the framing for every message on the signaling channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with data marshaled in place. A nil data
// produces an envelope with no data field.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s data: %w", event, err)
		}
		env.Data = raw
	}
	return env, nil
}

// ParseEnvelope decodes one wire message. An envelope without an event name
// is malformed.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event")
	}
	return env, nil
}

// MatchFoundData announces a pairing. Role decides which side drives the
// offer.
type MatchFoundData struct {
	RoomID    string `json:"roomId"`
	PartnerID string `json:"partnerId"`
	Role      Role   `json:"role"`
}

// OfferData, AnswerData and CandidateData wrap the WebRTC payloads.
// The inner values are relayed verbatim; the client never inspects SDP or
// candidate internals.
type OfferData struct {
	Offer json.RawMessage `json:"offer"`
}

type AnswerData struct {
	Answer json.RawMessage `json:"answer"`
}

type CandidateData struct {
	Candidate json.RawMessage `json:"candidate"`
}

// ErrorData carries a server-reported failure.
type ErrorData struct {
	Message string `json:"message"`
}

// JoinRoomData is the payload for the text-chat join event.
type JoinRoomData struct {
	RoomID string `json:"roomId"`
}

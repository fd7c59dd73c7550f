package peer

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/pairwave/pairwave/internal/signaling"
)

// recordingSignaler captures relayed payloads instead of sending them.
type recordingSignaler struct {
	mu         sync.Mutex
	offers     []json.RawMessage
	answers    []json.RawMessage
	candidates []json.RawMessage
}

func (r *recordingSignaler) SendOffer(p json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, p)
	return nil
}

func (r *recordingSignaler) SendAnswer(p json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, p)
	return nil
}

func (r *recordingSignaler) SendCandidate(p json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = append(r.candidates, p)
	return nil
}

func (r *recordingSignaler) lastOffer(t *testing.T) json.RawMessage {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.offers) == 0 {
		t.Fatal("no offer relayed")
	}
	return r.offers[len(r.offers)-1]
}

func TestSession_CallerOfferRequestsBothKinds(t *testing.T) {
	sig := &recordingSignaler{}
	s, err := NewSession(Config{}, nil, sig, Hooks{}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(signaling.RoleCaller); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var offer struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(sig.lastOffer(t), &offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if offer.Type != "offer" {
		t.Errorf("type=%q, want offer", offer.Type)
	}
	if !strings.Contains(offer.SDP, "m=audio") || !strings.Contains(offer.SDP, "m=video") {
		t.Errorf("offer does not request both kinds:\n%s", offer.SDP)
	}
}

func TestSession_CalleeDoesNotOffer(t *testing.T) {
	sig := &recordingSignaler{}
	s, err := NewSession(Config{}, nil, sig, Hooks{}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(signaling.RoleCallee); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(sig.offers) != 0 {
		t.Errorf("callee relayed %d offers, want 0", len(sig.offers))
	}
}

func TestSession_CandidatesBufferedUntilRemoteDescription(t *testing.T) {
	// The offering side only produces the SDP consumed below.
	offerSig := &recordingSignaler{}
	offerer, err := NewSession(Config{}, nil, offerSig, Hooks{}, nil)
	if err != nil {
		t.Fatalf("NewSession offerer: %v", err)
	}
	defer offerer.Close()
	if err := offerer.Start(signaling.RoleCaller); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sig := &recordingSignaler{}
	s, err := NewSession(Config{}, nil, sig, Hooks{}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	if err := s.HandleRemoteCandidate(candidate); err != nil {
		t.Fatalf("HandleRemoteCandidate (early): %v", err)
	}
	if got := s.BufferedCandidates(); got != 1 {
		t.Fatalf("buffered=%d, want 1", got)
	}

	if err := s.HandleRemoteOffer(offerSig.lastOffer(t)); err != nil {
		t.Fatalf("HandleRemoteOffer: %v", err)
	}
	if got := s.BufferedCandidates(); got != 0 {
		t.Errorf("buffered=%d after remote description, want 0", got)
	}
	if len(sig.answers) != 1 {
		t.Errorf("answers relayed=%d, want 1", len(sig.answers))
	}

	// Late candidates apply directly.
	if err := s.HandleRemoteCandidate(candidate); err != nil {
		t.Fatalf("HandleRemoteCandidate (late): %v", err)
	}
	if got := s.BufferedCandidates(); got != 0 {
		t.Errorf("late candidate buffered, want direct apply")
	}
}

func TestSession_MalformedPayloads(t *testing.T) {
	s, err := NewSession(Config{}, nil, &recordingSignaler{}, Hooks{}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.HandleRemoteOffer(json.RawMessage(`{`)); err == nil {
		t.Error("malformed offer accepted")
	}
	if err := s.HandleRemoteAnswer(json.RawMessage(`[]`)); err == nil {
		t.Error("malformed answer accepted")
	}
	if err := s.HandleRemoteCandidate(json.RawMessage(`"nope"`)); err == nil {
		t.Error("malformed candidate accepted")
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	s, err := NewSession(Config{}, nil, &recordingSignaler{}, Hooks{}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.Close()
	s.Close()
}

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwave/pairwave/internal/token"
)

const wsWriteWait = 1 * time.Second

var (
	ErrAlreadyConnected = errors.New("signaling: already connected")
	ErrNotConnected     = errors.New("signaling: not connected")
)

// Hooks are the client's outbound callbacks. All of them fire on the
// single dispatch goroutine, so implementations must not block and must
// not call back into the client synchronously except for the Send methods.
type Hooks struct {
	// StateChanged fires after every transition.
	StateChanged func(from, to State)
	// StartPeer fires when a match is accepted and a peer session should
	// be created with the assigned role.
	StartPeer func(room RoomSession)
	// TeardownPeer fires when the active peer session must be released.
	TeardownPeer func()
	// Signal delivers relayed webrtc-offer/answer/ice-candidate payloads.
	// Only fires while matched or in-call; stale relays are dropped.
	Signal func(event string, data json.RawMessage)
	// AuthFailed fires when the server rejects the credential. The socket
	// is already discarded; a fresh token is required before reconnecting.
	AuthFailed func(message string)
	// Disconnected fires once when the socket is gone, with the read
	// error if any.
	Disconnected func(err error)
}

// Client owns one authenticated signaling socket and the state machine
// behind it.
//
// A Client is single use: after the socket is lost, for any reason, the
// Client is spent and the caller builds a new one with a fresh credential.
// The signaling channel never auto-reconnects; silently rejoining after a
// drop could attach the client to a stale or foreign room.
type Client struct {
	url   string
	cred  token.AccessToken
	hooks Hooks
	log   *slog.Logger

	dialer  *websocket.Dialer
	machine *Machine

	events   chan Event
	loopDone chan struct{}

	pubState atomic.Int32

	writeMu sync.Mutex
	conn    *websocket.Conn

	connectOnce sync.Once
	closeOnce   sync.Once
}

func NewClient(wsURL string, cred token.AccessToken, hooks Hooks, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      wsURL,
		cred:     cred,
		hooks:    hooks,
		log:      logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		machine:  NewMachine(),
		events:   make(chan Event, 32),
		loopDone: make(chan struct{}),
	}
}

// State reports the last published connection state. Safe from any
// goroutine.
func (c *Client) State() State {
	return State(c.pubState.Load())
}

// Connect dials the signaling endpoint with the credential attached as
// query parameters and starts the read and dispatch loops. It returns once
// the socket is open; the connected state is reached when the server's
// welcome event arrives.
func (c *Client) Connect(ctx context.Context) error {
	var err error
	started := false
	c.connectOnce.Do(func() {
		started = true
		err = c.connect(ctx)
	})
	if !started {
		return ErrAlreadyConnected
	}
	return err
}

func (c *Client) connect(ctx context.Context) error {
	u, err := credentialURL(c.url, c.cred)
	if err != nil {
		return err
	}

	c.machine.Apply(EventConnect{})
	c.publish(StateDisconnected, StateConnecting)

	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		c.machine.Apply(EventSocketClosed{Err: err})
		c.publish(StateConnecting, StateDisconnected)
		close(c.loopDone)
		if resp != nil {
			return fmt.Errorf("signaling dial: %w (http %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("signaling dial: %w", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)
	go c.run()
	return nil
}

func credentialURL(raw string, cred token.AccessToken) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("signaling url: %w", err)
	}
	q := u.Query()
	q.Set("token", cred.Value)
	q.Set("signature", cred.Signature)
	q.Set("expiresAt", strconv.FormatInt(cred.ExpiresAt, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FindMatch asks the server for a partner. Ignored unless connected.
func (c *Client) FindMatch() { c.post(EventFindMatch{}) }

// CancelSearch withdraws a pending search. The transition is optimistic;
// a crossing match-found is declined automatically.
func (c *Client) CancelSearch() { c.post(EventCancelSearch{}) }

// LeaveCall ends the current call and returns to connected.
func (c *Client) LeaveCall() { c.post(EventLeaveCall{}) }

// CallLive reports that the peer session received its first remote track.
func (c *Client) CallLive() { c.post(EventCallLive{}) }

// NegotiationFailed reports a local SDP/ICE failure; the call is aborted
// and the client returns to connected.
func (c *Client) NegotiationFailed(err error) { c.post(EventNegotiationFailed{Err: err}) }

// SendOffer relays a local offer to the partner.
func (c *Client) SendOffer(offer json.RawMessage) error {
	return c.send(EvtWebRTCOffer, OfferData{Offer: offer})
}

// SendAnswer relays a local answer to the partner.
func (c *Client) SendAnswer(answer json.RawMessage) error {
	return c.send(EvtWebRTCAnswer, AnswerData{Answer: answer})
}

// SendCandidate relays a local ICE candidate to the partner.
func (c *Client) SendCandidate(candidate json.RawMessage) error {
	return c.send(EvtWebRTCICECandidate, CandidateData{Candidate: candidate})
}

// Close shuts the socket down with a normal closure. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
	})
}

// Done is closed when the dispatch loop has exited and the client is spent.
func (c *Client) Done() <-chan struct{} { return c.loopDone }

func (c *Client) post(ev Event) {
	select {
	case c.events <- ev:
	case <-c.loopDone:
	}
}

func (c *Client) send(event string, data any) error {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// signalEvent routes a relayed WebRTC payload through the dispatch loop so
// it is ordered with the machine events and checked against current state.
type signalEvent struct {
	event string
	data  json.RawMessage
}

func (signalEvent) isEvent() {}

// run is the single dispatch goroutine. All machine transitions and all
// hook invocations happen here.
func (c *Client) run() {
	defer close(c.loopDone)
	for ev := range c.events {
		if sig, ok := ev.(signalEvent); ok {
			st := c.machine.State()
			if st != StateMatched && st != StateInCall {
				c.log.Debug("dropping stale relay", "event", sig.event, "state", st.String())
				continue
			}
			if c.hooks.Signal != nil {
				c.hooks.Signal(sig.event, sig.data)
			}
			continue
		}

		from := c.machine.State()
		effects := c.machine.Apply(ev)
		to := c.machine.State()
		c.publish(from, to)

		discard := false
		for _, effect := range effects {
			switch effect := effect.(type) {
			case EffectSendFindMatch:
				if err := c.send(EvtFindMatch, nil); err != nil {
					c.log.Error("send find-match", "err", err)
				}
			case EffectSendCancelSearch:
				if err := c.send(EvtCancelSearch, nil); err != nil {
					c.log.Error("send cancel-search", "err", err)
				}
			case EffectSendLeave:
				if err := c.send(EvtLeaveCall, nil); err != nil {
					c.log.Error("send leave-call", "err", err)
				}
			case EffectStartPeer:
				if c.hooks.StartPeer != nil {
					c.hooks.StartPeer(effect.Room)
				}
			case EffectTeardownPeer:
				if c.hooks.TeardownPeer != nil {
					c.hooks.TeardownPeer()
				}
			case EffectAuthError:
				if c.hooks.AuthFailed != nil {
					c.hooks.AuthFailed(effect.Message)
				}
			case EffectDiscardSocket:
				discard = true
			}
		}

		if discard {
			c.Close()
			if closed, ok := ev.(EventSocketClosed); ok && c.hooks.Disconnected != nil {
				c.hooks.Disconnected(closed.Err)
			} else if c.hooks.Disconnected != nil {
				c.hooks.Disconnected(nil)
			}
			return
		}
	}
}

func (c *Client) publish(from, to State) {
	c.pubState.Store(int32(to))
	if from != to && c.hooks.StateChanged != nil {
		c.hooks.StateChanged(from, to)
	}
}

// readLoop translates wire messages into typed events for the dispatch
// loop. Malformed or unrecognized envelopes are logged and dropped.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.post(EventSocketClosed{Err: err})
			return
		}

		env, err := ParseEnvelope(raw)
		if err != nil {
			c.log.Warn("dropping malformed message", "err", err)
			continue
		}

		switch env.Event {
		case EvtConnected:
			c.post(EventServerConnected{})
		case EvtSearching:
			c.post(EventServerSearching{})
		case EvtSearchCanceled:
			c.post(EventSearchCanceled{})
		case EvtMatchFound:
			var data MatchFoundData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				c.log.Warn("dropping malformed match-found", "err", err)
				continue
			}
			if data.Role != RoleCaller && data.Role != RoleCallee {
				c.log.Warn("dropping match-found with unknown role", "role", string(data.Role))
				continue
			}
			c.post(EventMatchFound{Room: RoomSession{
				RoomID:    data.RoomID,
				PartnerID: data.PartnerID,
				Role:      data.Role,
			}})
		case EvtPartnerLeft, EvtPartnerDisconnected:
			c.post(EventPartnerLeft{})
		case EvtCallEnded:
			c.post(EventCallEnded{})
		case EvtWebRTCOffer, EvtWebRTCAnswer, EvtWebRTCICECandidate:
			c.post(signalEvent{event: env.Event, data: env.Data})
		case EvtError:
			var data ErrorData
			_ = json.Unmarshal(env.Data, &data)
			if isAuthFailure(data.Message) {
				c.post(EventAuthFailed{Message: data.Message})
				continue
			}
			c.log.Warn("server error event", "message", data.Message)
		default:
			c.log.Warn("dropping unrecognized event", "event", env.Event)
		}
	}
}

// isAuthFailure recognizes the server's authentication rejection by its
// message text, the only discriminator the wire contract provides.
func isAuthFailure(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "auth") ||
		strings.Contains(m, "token") ||
		strings.Contains(m, "signature")
}

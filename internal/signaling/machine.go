package signaling

// State is the connection state of one signaling client. disconnected is
// the initial state and always re-enterable; there is no terminal state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSearching
	StateMatched
	StateInCall
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSearching:
		return "searching"
	case StateMatched:
		return "matched"
	case StateInCall:
		return "in-call"
	default:
		return "unknown"
	}
}

// Role is the side of the offer/answer exchange assigned by the server.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// RoomSession identifies one live pairing. The machine is the sole owner:
// it is created on match-found and destroyed on leave, partner loss, or
// socket loss, and nothing outside the machine holds a copy.
type RoomSession struct {
	RoomID    string
	PartnerID string
	Role      Role
}

// Event is a typed input to the machine: either a local intent or a
// translated wire event. The transport layer does the translation; the
// machine never sees raw envelopes.
type Event interface{ isEvent() }

type (
	// Local intents.
	EventConnect      struct{}
	EventFindMatch    struct{}
	EventCancelSearch struct{}
	EventLeaveCall    struct{}
	// EventCallLive reports that negotiation completed and the first
	// remote track arrived.
	EventCallLive struct{}
	// EventNegotiationFailed reports a local SDP/ICE failure.
	EventNegotiationFailed struct{ Err error }

	// Translated wire events.
	EventServerConnected  struct{}
	EventServerSearching  struct{}
	EventSearchCanceled   struct{}
	EventMatchFound       struct{ Room RoomSession }
	EventPartnerLeft      struct{}
	EventCallEnded        struct{}
	EventAuthFailed       struct{ Message string }
	EventSocketClosed     struct{ Err error }
)

func (EventConnect) isEvent()           {}
func (EventFindMatch) isEvent()         {}
func (EventCancelSearch) isEvent()      {}
func (EventLeaveCall) isEvent()         {}
func (EventCallLive) isEvent()          {}
func (EventNegotiationFailed) isEvent() {}
func (EventServerConnected) isEvent()   {}
func (EventServerSearching) isEvent()   {}
func (EventSearchCanceled) isEvent()    {}
func (EventMatchFound) isEvent()        {}
func (EventPartnerLeft) isEvent()       {}
func (EventCallEnded) isEvent()         {}
func (EventAuthFailed) isEvent()        {}
func (EventSocketClosed) isEvent()      {}

// Effect is an action the transport layer must perform after a transition.
// The machine itself performs no I/O.
type Effect interface{ isEffect() }

type (
	EffectDial             struct{}
	EffectSendFindMatch    struct{}
	EffectSendCancelSearch struct{}
	EffectSendLeave        struct{}
	EffectStartPeer        struct{ Room RoomSession }
	EffectTeardownPeer     struct{}
	EffectDiscardSocket    struct{}
	EffectAuthError        struct{ Message string }
)

func (EffectDial) isEffect()             {}
func (EffectSendFindMatch) isEffect()    {}
func (EffectSendCancelSearch) isEffect() {}
func (EffectSendLeave) isEffect()        {}
func (EffectStartPeer) isEffect()        {}
func (EffectTeardownPeer) isEffect()     {}
func (EffectDiscardSocket) isEffect()    {}
func (EffectAuthError) isEffect()        {}

// Machine is the connection state machine. Apply is the single mutation
// point; callers invoke it from one dispatch goroutine only. Unknown or
// stale events are absorbed: no state change, no effects.
type Machine struct {
	state State
	room  *RoomSession

	// cancelRequested marks an optimistic cancel-search whose match-found
	// may still be in flight from the server.
	cancelRequested bool
}

func NewMachine() *Machine {
	return &Machine{state: StateDisconnected}
}

// State reports the current connection state.
func (m *Machine) State() State { return m.state }

// Room returns the live room session, or nil outside matched/in-call.
func (m *Machine) Room() *RoomSession {
	if m.room == nil {
		return nil
	}
	r := *m.room
	return &r
}

// Apply advances the machine and returns the effects the caller must run,
// in order.
func (m *Machine) Apply(ev Event) []Effect {
	switch ev := ev.(type) {
	case EventConnect:
		if m.state != StateDisconnected {
			return nil
		}
		m.state = StateConnecting
		return []Effect{EffectDial{}}

	case EventServerConnected:
		if m.state != StateConnecting {
			return nil
		}
		m.state = StateConnected
		return nil

	case EventAuthFailed:
		// Terminal for this socket regardless of phase. Resuming
		// requires fresh issuance and a new connect.
		effects := m.teardownEffects()
		m.reset()
		return append(effects, EffectDiscardSocket{}, EffectAuthError{Message: ev.Message})

	case EventFindMatch:
		if m.state != StateConnected {
			return nil
		}
		m.state = StateSearching
		m.cancelRequested = false
		return []Effect{EffectSendFindMatch{}}

	case EventServerSearching:
		return nil

	case EventCancelSearch:
		if m.state != StateSearching {
			return nil
		}
		// Optimistic: transition immediately, reconcile if match-found
		// crosses in flight.
		m.state = StateConnected
		m.cancelRequested = true
		return []Effect{EffectSendCancelSearch{}}

	case EventSearchCanceled:
		m.cancelRequested = false
		if m.state != StateSearching {
			return nil
		}
		m.state = StateConnected
		return nil

	case EventMatchFound:
		if m.cancelRequested {
			// The cancel crossed this match in flight. Decline the room
			// and stay connected.
			m.cancelRequested = false
			return []Effect{EffectSendLeave{}}
		}
		if m.state != StateSearching {
			return nil
		}
		m.state = StateMatched
		room := ev.Room
		m.room = &room
		return []Effect{EffectStartPeer{Room: room}}

	case EventCallLive:
		if m.state != StateMatched {
			return nil
		}
		m.state = StateInCall
		return nil

	case EventLeaveCall:
		if m.state != StateMatched && m.state != StateInCall {
			return nil
		}
		m.state = StateConnected
		m.room = nil
		return []Effect{EffectSendLeave{}, EffectTeardownPeer{}}

	case EventPartnerLeft, EventCallEnded:
		if m.state != StateMatched && m.state != StateInCall {
			return nil
		}
		m.state = StateConnected
		m.room = nil
		return []Effect{EffectTeardownPeer{}}

	case EventNegotiationFailed:
		if m.state != StateMatched && m.state != StateInCall {
			return nil
		}
		// Negotiation failures are local; no server round-trip needed
		// beyond telling the partner we left.
		m.state = StateConnected
		m.room = nil
		return []Effect{EffectSendLeave{}, EffectTeardownPeer{}}

	case EventSocketClosed:
		if m.state == StateDisconnected {
			return nil
		}
		effects := m.teardownEffects()
		m.reset()
		return append(effects, EffectDiscardSocket{})

	default:
		return nil
	}
}

func (m *Machine) teardownEffects() []Effect {
	if m.room == nil {
		return nil
	}
	return []Effect{EffectTeardownPeer{}}
}

func (m *Machine) reset() {
	m.state = StateDisconnected
	m.room = nil
	m.cancelRequested = false
}

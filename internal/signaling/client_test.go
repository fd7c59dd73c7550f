package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwave/pairwave/internal/token"
)

var testCred = token.AccessToken{
	Value:     "aabbcc",
	Signature: "sig",
	ExpiresAt: 1_700_003_600_000,
}

// scriptedServer runs one websocket connection through a caller-provided
// script. Envelopes written by the client are available via read().
type scriptedServer struct {
	t      *testing.T
	srv    *httptest.Server
	script func(conn *websocket.Conn)
}

func newScriptedServer(t *testing.T, script func(conn *websocket.Conn)) *scriptedServer {
	t.Helper()
	s := &scriptedServer{t: t, script: script}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != testCred.Value ||
			r.URL.Query().Get("signature") != testCred.Signature {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *scriptedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	env, err := NewEnvelope(event, data)
	if err != nil {
		t.Fatalf("build %s: %v", event, err)
	}
	payload, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Errorf("write %s: %v", event, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("server parse: %v", err)
	}
	return env
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestClient_FullCallScenario(t *testing.T) {
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0 answer"}`)

	serverSaw := make(chan Envelope, 8)
	srv := newScriptedServer(t, func(conn *websocket.Conn) {
		sendEnvelope(t, conn, EvtConnected, nil)

		env := readEnvelope(t, conn)
		serverSaw <- env // find-match
		sendEnvelope(t, conn, EvtSearching, nil)
		sendEnvelope(t, conn, EvtMatchFound, MatchFoundData{
			RoomID: "r1", PartnerID: "p1", Role: RoleCaller,
		})

		env = readEnvelope(t, conn)
		serverSaw <- env // webrtc-offer
		sendEnvelope(t, conn, EvtWebRTCAnswer, AnswerData{Answer: answer})

		env = readEnvelope(t, conn)
		serverSaw <- env // leave-call
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage() // wait for client close
	})

	states := make(chan State, 16)
	started := make(chan RoomSession, 1)
	signals := make(chan Envelope, 4)
	torndown := make(chan struct{}, 2)

	var c *Client
	c = NewClient(srv.wsURL(), testCred, Hooks{
		StateChanged: func(_, to State) { states <- to },
		StartPeer: func(room RoomSession) {
			started <- room
			if err := c.SendOffer(json.RawMessage(`{"type":"offer","sdp":"v=0 offer"}`)); err != nil {
				t.Errorf("SendOffer: %v", err)
			}
		},
		Signal: func(event string, data json.RawMessage) {
			signals <- Envelope{Event: event, Data: data}
		},
		TeardownPeer: func() { torndown <- struct{}{} },
	}, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	waitState(t, states, StateConnected)

	c.FindMatch()
	waitState(t, states, StateSearching)
	if env := <-serverSaw; env.Event != EvtFindMatch {
		t.Errorf("server saw %q, want find-match", env.Event)
	}

	room := <-started
	if room.RoomID != "r1" || room.PartnerID != "p1" || room.Role != RoleCaller {
		t.Errorf("StartPeer room=%+v", room)
	}
	waitState(t, states, StateMatched)

	if env := <-serverSaw; env.Event != EvtWebRTCOffer {
		t.Errorf("server saw %q, want webrtc-offer", env.Event)
	}

	select {
	case sig := <-signals:
		if sig.Event != EvtWebRTCAnswer {
			t.Errorf("signal event=%q, want webrtc-answer", sig.Event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed answer")
	}

	c.CallLive()
	waitState(t, states, StateInCall)

	c.LeaveCall()
	waitState(t, states, StateConnected)
	if env := <-serverSaw; env.Event != EvtLeaveCall {
		t.Errorf("server saw %q, want leave-call", env.Event)
	}
	select {
	case <-torndown:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for peer teardown")
	}
}

func TestClient_PartnerLeftReturnsToConnected(t *testing.T) {
	srv := newScriptedServer(t, func(conn *websocket.Conn) {
		sendEnvelope(t, conn, EvtConnected, nil)
		readEnvelope(t, conn) // find-match
		sendEnvelope(t, conn, EvtMatchFound, MatchFoundData{
			RoomID: "r1", PartnerID: "p1", Role: RoleCallee,
		})
		sendEnvelope(t, conn, EvtPartnerLeft, nil)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	states := make(chan State, 16)
	torndown := make(chan struct{}, 1)
	c := NewClient(srv.wsURL(), testCred, Hooks{
		StateChanged: func(_, to State) { states <- to },
		TeardownPeer: func() { torndown <- struct{}{} },
	}, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	waitState(t, states, StateConnected)
	c.FindMatch()
	waitState(t, states, StateMatched)
	waitState(t, states, StateConnected)
	select {
	case <-torndown:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for peer teardown")
	}
}

func TestClient_AuthFailureIsTerminal(t *testing.T) {
	srv := newScriptedServer(t, func(conn *websocket.Conn) {
		sendEnvelope(t, conn, EvtError, ErrorData{Message: "Invalid token signature"})
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	authErr := make(chan string, 1)
	c := NewClient(srv.wsURL(), testCred, Hooks{
		AuthFailed: func(msg string) { authErr <- msg },
	}, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case msg := <-authErr:
		if !strings.Contains(msg, "token") {
			t.Errorf("auth message=%q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for auth failure")
	}

	<-c.Done()
	if st := c.State(); st != StateDisconnected {
		t.Errorf("state=%s, want disconnected", st)
	}
	// The socket is spent; a second Connect is refused.
	if err := c.Connect(context.Background()); err != ErrAlreadyConnected {
		t.Errorf("second Connect err=%v, want ErrAlreadyConnected", err)
	}
}

func TestClient_ServerCloseDisconnects(t *testing.T) {
	srv := newScriptedServer(t, func(conn *websocket.Conn) {
		sendEnvelope(t, conn, EvtConnected, nil)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
	})

	states := make(chan State, 16)
	disconnected := make(chan struct{}, 1)
	c := NewClient(srv.wsURL(), testCred, Hooks{
		StateChanged: func(_, to State) { states <- to },
		Disconnected: func(error) { disconnected <- struct{}{} },
	}, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, states, StateConnected)
	waitState(t, states, StateDisconnected)
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
}

func TestClient_DialFailure(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/signaling", testCred, Hooks{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded against a dead endpoint")
	}
	if st := c.State(); st != StateDisconnected {
		t.Errorf("state=%s, want disconnected", st)
	}
}

// Package presence maintains the best-effort online-user count channel.
// Unlike the signaling socket, this channel self-heals: presence is
// idempotent broadcast data, so reconnecting after an abnormal closure
// cannot attach the client to stale state.
package presence

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// RetryDelay is the fixed pause before reconnecting after an abnormal
// closure.
const RetryDelay = 3 * time.Second

// Backoff is the explicit reconnect state evaluated by the watcher loop.
type Backoff struct {
	Attempt     int
	NextRetryAt time.Time
}

// NextRetry decides whether the loop reconnects after a connection ended
// with err, and when. A normal closure (code 1000) means the server is
// done with us; anything else schedules a retry after the fixed delay.
func NextRetry(prev Backoff, err error, now time.Time, delay time.Duration) (Backoff, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		return Backoff{}, false
	}
	return Backoff{
		Attempt:     prev.Attempt + 1,
		NextRetryAt: now.Add(delay),
	}, true
}

type message struct {
	Event string `json:"event"`
	Data  int    `json:"data"`
}

type Config struct {
	// Delay overrides RetryDelay. Tests only.
	Delay time.Duration
	// OnCount observes each count update.
	OnCount func(n int)
}

// Watcher holds the presence connection and the latest count.
type Watcher struct {
	url   string
	cfg   Config
	log   *slog.Logger
	dial  *websocket.Dialer
	count atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	backoff Backoff

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewWatcher(wsURL string, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.Delay <= 0 {
		cfg.Delay = RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		url:  wsURL,
		cfg:  cfg,
		log:  logger,
		dial: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start runs the watch loop until Close or a normal server closure.
func (w *Watcher) Start() {
	go w.run()
}

// Count reports the latest observed online-user count.
func (w *Watcher) Count() int {
	return int(w.count.Load())
}

// Backoff reports the current reconnect state.
func (w *Watcher) Backoff() Backoff {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backoff
}

// Done is closed when the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Close stops the watcher and its pending reconnect timer. Idempotent.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.stop)
		w.mu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		err := w.watchOnce()

		select {
		case <-w.stop:
			return
		default:
		}

		w.mu.Lock()
		next, retry := NextRetry(w.backoff, err, time.Now(), w.cfg.Delay)
		w.backoff = next
		w.mu.Unlock()
		if !retry {
			w.log.Debug("presence channel closed normally")
			return
		}

		w.log.Debug("presence reconnect scheduled",
			"attempt", next.Attempt, "at", next.NextRetryAt)
		select {
		case <-w.stop:
			return
		case <-time.After(time.Until(next.NextRetryAt)):
		}
	}
}

// watchOnce runs one connection to completion and returns the error that
// ended it.
func (w *Watcher) watchOnce() error {
	conn, _, err := w.dial.Dial(w.url, nil)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.backoff = Backoff{}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.log.Warn("dropping malformed presence message", "err", err)
			continue
		}
		if msg.Event != "onlineUsers" {
			continue
		}
		w.count.Store(int64(msg.Data))
		if w.cfg.OnCount != nil {
			w.cfg.OnCount(msg.Data)
		}
	}
}

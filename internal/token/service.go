package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pairwave/pairwave/internal/ratelimit"
)

// ErrIssuance indicates the service failed to produce a credential for a
// reason other than throttling.
var ErrIssuance = errors.New("token issuance failed")

// RateLimitedError reports issuance throttling. RetryAfter is whole seconds,
// rounded up, and always >= 1 so a client never retries immediately.
type RateLimitedError struct {
	RetryAfter int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfter)
}

// Record is the stored shape of one issued token. The signaling server's
// authentication consults exactly this shape, so field meaning must not
// drift: ClientKey is the issuance-time client key, timestamps are epoch ms.
type Record struct {
	ClientKey string
	ExpiresAt int64
	CreatedAt int64
}

// Service issues and validates signaling credentials.
//
// State lives in explicit maps owned by the service (no package globals) and
// the clock is injected so expiry and window behavior is deterministic under
// test. Every Validate call sweeps expired tokens and rate-limit windows
// first; stores are bounded by the rate limit, so the O(n) sweep is cheap.
type Service struct {
	secret []byte
	ttl    time.Duration
	clock  ratelimit.Clock

	limiter *ratelimit.FixedWindow

	mu     sync.Mutex
	tokens map[string]Record
}

type ServiceConfig struct {
	Secret string
	// TTL is the credential lifetime. Defaults to 1 hour.
	TTL time.Duration
	// MaxRequests per client key per Window. Defaults: 10 per 15 minutes.
	MaxRequests int
	Window      time.Duration
	Clock       ratelimit.Clock
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Service{
		secret:  []byte(cfg.Secret),
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		limiter: ratelimit.NewFixedWindow(cfg.Clock, cfg.MaxRequests, cfg.Window),
		tokens:  make(map[string]Record),
	}
}

// Issue mints a credential bound to clientKey, or returns *RateLimitedError
// when the key's window is exhausted.
func (s *Service) Issue(clientKey string) (AccessToken, error) {
	s.sweep()

	allowed, retryAfter := s.limiter.Allow(clientKey)
	if !allowed {
		return AccessToken{}, &RateLimitedError{
			RetryAfter: int64(math.Ceil(retryAfter.Seconds())),
		}
	}

	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return AccessToken{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	value := hex.EncodeToString(buf[:])

	now := s.clock.Now()
	expiresAt := now.Add(s.ttl).UnixMilli()

	s.mu.Lock()
	s.tokens[value] = Record{
		ClientKey: clientKey,
		ExpiresAt: expiresAt,
		CreatedAt: now.UnixMilli(),
	}
	s.mu.Unlock()

	return AccessToken{
		Value:     value,
		Signature: Sign(s.secret, value, clientKey, expiresAt),
		ExpiresAt: expiresAt,
		ExpiresIn: int64(s.ttl.Seconds()),
	}, nil
}

// Validate reports whether (token, signature) is a live credential for
// clientKey: the token must be in the live store, unexpired, and the
// signature must match the HMAC over the exact fields used at issuance.
//
// The stored record also carries the issuance-time client key; comparing it
// against the connecting client is deliberately not enforced here, since
// NAT and carrier-grade address reuse would reject legitimate clients.
func (s *Service) Validate(value, signature, clientKey string) bool {
	s.sweep()

	s.mu.Lock()
	rec, ok := s.tokens[value]
	s.mu.Unlock()
	if !ok {
		return false
	}

	if rec.ExpiresAt <= s.clock.Now().UnixMilli() {
		s.mu.Lock()
		delete(s.tokens, value)
		s.mu.Unlock()
		return false
	}

	expected := Sign(s.secret, value, clientKey, rec.ExpiresAt)
	return signatureEqual(signature, expected)
}

// Purge removes a token from the live store, invalidating it immediately.
func (s *Service) Purge(value string) {
	s.mu.Lock()
	delete(s.tokens, value)
	s.mu.Unlock()
}

// Live reports the number of unexpired tokens currently stored.
func (s *Service) Live() int {
	s.sweep()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *Service) sweep() {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	for value, rec := range s.tokens {
		if rec.ExpiresAt <= now {
			delete(s.tokens, value)
		}
	}
	s.mu.Unlock()

	s.limiter.Sweep()
}

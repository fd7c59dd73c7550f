package token

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/pairwave/pairwave/internal/httpserver"
	"github.com/pairwave/pairwave/internal/metrics"
)

// Metric names recorded by the handler.
const (
	MetricIssued      = "token_issued"
	MetricRateLimited = "token_rate_limited"
	MetricFailed      = "token_issue_failed"
)

// Handler serves the token issuance endpoint.
//
// POST /token -> 200 {token, signature, expiresAt, expiresIn}
//
//	429 {error, message, retryAfter} + Retry-After header
//	500 {error, message}
//
// Any other method on the path -> 405.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewHandler(svc *Service, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, log: logger, metrics: m}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/token", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httpserver.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error":   "Method not allowed",
			"message": "Use POST to generate a token",
		})
		return
	}

	clientKey := ClientIP(r)

	tok, err := h.svc.Issue(clientKey)
	if err != nil {
		var rle *RateLimitedError
		if errors.As(err, &rle) {
			h.inc(MetricRateLimited)
			w.Header().Set("Retry-After", strconv.FormatInt(rle.RetryAfter, 10))
			httpserver.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      "Rate limit exceeded",
				"message":    "Too many token requests. Try again in " + strconv.FormatInt(rle.RetryAfter, 10) + " seconds.",
				"retryAfter": rle.RetryAfter,
			})
			return
		}

		h.inc(MetricFailed)
		h.log.Error("token issuance failed", "err", err, "client_key", clientKey)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Internal server error",
			"message": "Failed to generate token",
		})
		return
	}

	h.inc(MetricIssued)
	httpserver.WriteJSON(w, http.StatusOK, tok)
}

func (h *Handler) inc(name string) {
	if h.metrics != nil {
		h.metrics.Inc(name)
	}
}

// ClientIP extracts the client key used for rate limiting and signature
// binding. Proxy headers are checked first; RemoteAddr is the fallback.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBroker_RequestToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"abc","signature":"sig","expiresAt":1700003600000,"expiresIn":3600}`))
	}))
	defer srv.Close()

	b := NewBroker(srv.URL, srv.Client())
	tok, err := b.RequestToken(context.Background())
	if err != nil {
		t.Fatalf("RequestToken: %v", err)
	}
	if tok.Value != "abc" || tok.Signature != "sig" || tok.ExpiresAt != 1700003600000 {
		t.Errorf("unexpected token: %+v", tok)
	}
}

func TestBroker_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"Rate limit exceeded","retryAfter":42}`))
	}))
	defer srv.Close()

	b := NewBroker(srv.URL, srv.Client())
	_, err := b.RequestToken(context.Background())
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("err=%v, want *RateLimitedError", err)
	}
	// Body value wins over the header.
	if rle.RetryAfter != 42 {
		t.Errorf("RetryAfter=%d, want 42", rle.RetryAfter)
	}
}

func TestBroker_RateLimitedHeaderFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewBroker(srv.URL, srv.Client())
	_, err := b.RequestToken(context.Background())
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("err=%v, want *RateLimitedError", err)
	}
	if rle.RetryAfter != 30 {
		t.Errorf("RetryAfter=%d, want 30", rle.RetryAfter)
	}
}

func TestBroker_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewBroker(srv.URL, srv.Client())
	_, err := b.RequestToken(context.Background())
	if !errors.Is(err, ErrIssuance) {
		t.Fatalf("err=%v, want ErrIssuance", err)
	}
}

func TestBroker_IncompleteBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"abc"}`))
	}))
	defer srv.Close()

	b := NewBroker(srv.URL, srv.Client())
	_, err := b.RequestToken(context.Background())
	if !errors.Is(err, ErrIssuance) {
		t.Fatalf("err=%v, want ErrIssuance", err)
	}
}

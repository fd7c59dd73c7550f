package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Broker obtains credentials from the issuance endpoint on behalf of the
// signaling client.
type Broker struct {
	url    string
	client *http.Client
}

// NewBroker builds a broker for the issuance URL (e.g.
// "https://example.com/token"). httpClient may be nil.
func NewBroker(url string, httpClient *http.Client) *Broker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Broker{url: url, client: httpClient}
}

type issueErrorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

// RequestToken asks the issuer for a fresh credential.
//
// A 429 response is returned as *RateLimitedError carrying the
// server-specified delay; any other failure wraps ErrIssuance.
func (b *Broker) RequestToken(ctx context.Context) (AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, nil)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var tok AccessToken
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return AccessToken{}, fmt.Errorf("%w: decode response: %v", ErrIssuance, err)
		}
		if tok.Value == "" || tok.Signature == "" {
			return AccessToken{}, fmt.Errorf("%w: incomplete credential", ErrIssuance)
		}
		return tok, nil

	case http.StatusTooManyRequests:
		var body issueErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		retryAfter := body.RetryAfter
		if retryAfter <= 0 {
			if s := resp.Header.Get("Retry-After"); s != "" {
				retryAfter, _ = strconv.ParseInt(s, 10, 64)
			}
		}
		if retryAfter <= 0 {
			retryAfter = 1
		}
		return AccessToken{}, &RateLimitedError{RetryAfter: retryAfter}

	default:
		return AccessToken{}, fmt.Errorf("%w: http %d", ErrIssuance, resp.StatusCode)
	}
}

package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AccessToken is a short-lived authorization credential for the signaling
// channel. The credential is immutable once issued; the signaling client only
// ever reads it.
type AccessToken struct {
	Value string `json:"token"`
	// Signature is hex(HMAC-SHA256(secret, value:clientKey:expiresAt)).
	Signature string `json:"signature"`
	// ExpiresAt is epoch milliseconds.
	ExpiresAt int64 `json:"expiresAt"`
	// ExpiresIn is seconds until expiry at issuance time.
	ExpiresIn int64 `json:"expiresIn"`
}

// Expired reports whether the token is past its expiry at the given time.
func (t AccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt <= now.UnixMilli()
}

// Sign computes the issuance signature over the token value, the client key
// and the expiry. Binding the expiry means a forged expiresAt query parameter
// invalidates the signature rather than extending the credential.
func Sign(secret []byte, value, clientKey string, expiresAt int64) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%s:%d", value, clientKey, expiresAt)
	return hex.EncodeToString(mac.Sum(nil))
}

func signatureEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// Package crypto signs outgoing webhook bodies and keeps secrets sealed at
// rest.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the body signature on webhook requests.
const SignatureHeader = "X-Copybot-Signature"

// TimestampHeader carries the unix timestamp included in the signature.
const TimestampHeader = "X-Copybot-Timestamp"

// Signer produces HMAC-SHA256 signatures over timestamp.body.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer for secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Headers returns the signature headers for body.
func (s *Signer) Headers(body []byte) map[string]string {
	return s.HeadersAt(body, s.now().Unix())
}

// HeadersAt is Headers at a fixed unix time.
func (s *Signer) HeadersAt(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		TimestampHeader: ts,
		SignatureHeader: "sha256=" + hmacSHA256Hex(s.secret, ts+"."+string(body)),
	}
}

// Verify checks a signature produced by Headers.
func (s *Signer) Verify(body []byte, ts, signature string) bool {
	want := "sha256=" + hmacSHA256Hex(s.secret, ts+"."+string(body))
	return hmac.Equal([]byte(want), []byte(strings.TrimSpace(signature)))
}

func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

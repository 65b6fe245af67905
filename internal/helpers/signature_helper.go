package helpers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const signatureTimeFormat = "2006-01-02T15:04:05Z"

func NewRequestSigner(clientID, secretKey string) *RequestSigner {
	return &RequestSigner{
		ClientID:  clientID,
		SecretKey: secretKey,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// RequestSigner produces the Client-Id / Request-Id / Signature header set
// the payment gateway expects, and checks the same headers on inbound calls.
type RequestSigner struct {
	ClientID  string
	SecretKey string
	Now       func() time.Time
}

func (s *RequestSigner) Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(hash[:])
}

func (s *RequestSigner) Signature(requestID, timestamp, target, digest string) string {
	componentSignature := "Client-Id:" + s.ClientID + "\n" +
		"Request-Id:" + requestID + "\n" +
		"Request-Timestamp:" + timestamp + "\n" +
		"Request-Target:" + target + "\n" +
		"Digest:" + digest

	mac := hmac.New(sha256.New, []byte(s.SecretKey))
	mac.Write([]byte(componentSignature))
	return "HMACSHA256=" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *RequestSigner) Headers(target string, body []byte) map[string]string {
	requestID := uuid.New().String()
	timestamp := s.Now().Format(signatureTimeFormat)
	digest := s.Digest(body)

	return map[string]string{
		"Client-Id":         s.ClientID,
		"Request-Id":        requestID,
		"Request-Timestamp": timestamp,
		"Signature":         s.Signature(requestID, timestamp, target, digest),
		"Content-Type":      "application/json",
		"Digest":            digest,
	}
}

// Verify checks a signed request. Requests older than maxSkew are rejected.
func (s *RequestSigner) Verify(header http.Header, target string, body []byte, maxSkew time.Duration) bool {
	if header.Get("Client-Id") != s.ClientID {
		return false
	}
	timestamp := header.Get("Request-Timestamp")
	at, err := time.Parse(signatureTimeFormat, timestamp)
	if err != nil {
		return false
	}
	if skew := s.Now().Sub(at); skew > maxSkew || skew < -maxSkew {
		return false
	}
	digest := s.Digest(body)
	if header.Get("Digest") != digest {
		return false
	}
	expected := s.Signature(header.Get("Request-Id"), timestamp, target, digest)
	return hmac.Equal([]byte(expected), []byte(header.Get("Signature")))
}

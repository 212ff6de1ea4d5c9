// Package deploy implements the GitHub push webhook that redeploys the site:
// verify the delivery, pull main, rebuild the compose services, report status.
package deploy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

const (
	// SignatureHeader carries the HMAC of the raw body.
	SignatureHeader = "X-Hub-Signature-256"

	// MainRef is the only ref that triggers a deploy.
	MainRef = "refs/heads/main"

	signaturePrefix = "sha256="
)

var (
	// ErrInvalidJSON means the body is neither JSON nor a payload= form.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrInvalidPayload means a payload= form did not hold valid JSON.
	ErrInvalidPayload = errors.New("invalid payload")
)

// PushEvent is the part of a GitHub push delivery we use.
type PushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// VerifySignature checks header against the HMAC-SHA256 of body keyed by
// secret. An empty secret never verifies.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Sign(secret, body)))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// ParsePushEvent decodes a JSON delivery, or a form-encoded one
// (payload=<urlencoded json>).
func ParsePushEvent(body []byte) (PushEvent, error) {
	var ev PushEvent
	if err := json.Unmarshal(body, &ev); err == nil {
		return ev, nil
	}

	raw, ok := strings.CutPrefix(string(body), "payload=")
	if !ok {
		return PushEvent{}, ErrInvalidJSON
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return PushEvent{}, ErrInvalidPayload
	}
	if err := json.Unmarshal([]byte(decoded), &ev); err != nil {
		return PushEvent{}, ErrInvalidPayload
	}
	return ev, nil
}

package capability

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/djlord-it/area-engine/internal/domain"
)

const defaultWebhookTimeout = 30 * time.Second

// WebhookReaction is the built-in "webhook.post" reaction: an HMAC-signed
// JSON POST to a user-configured URL. It is the one reaction that ships
// in-core so the engine is usable end to end without provider SDKs.
//
// Config keys: "url" (required), "secret", "timeout_ms", "body".
// The trigger payload's "body" value takes precedence over a configured
// body; when neither is set the full trigger payload is posted.
type WebhookReaction struct {
	client *http.Client
}

func NewWebhookReaction() *WebhookReaction {
	return &WebhookReaction{client: &http.Client{}}
}

// PayloadOverrides documents that the trigger payload wins for "body".
func (w *WebhookReaction) PayloadOverrides() []string {
	return []string{"body"}
}

// Invoke posts the merged config's "body" value as JSON.
// Headers: X-AreaEngine-Signature (hex HMAC-SHA256 of the body).
func (w *WebhookReaction) Invoke(ctx context.Context, config map[string]any, token *domain.ServiceToken) (map[string]any, error) {
	rawURL, _ := config["url"].(string)
	if rawURL == "" {
		return nil, &ConfigError{Field: "url", Reason: "required"}
	}

	secret, _ := config["secret"].(string)

	timeout := defaultWebhookTimeout
	if ms, ok := config["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	bodyVal := config["body"]
	if bodyVal == nil {
		bodyVal = config["trigger"]
	}
	body, err := json.Marshal(bodyVal)
	if err != nil {
		return nil, &ConfigError{Field: "body", Reason: err.Error()}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, &ConfigError{Field: "url", Reason: err.Error()}
	}

	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-AreaEngine-Signature", ComputeSignature(secret, body))
	}
	if token != nil {
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &TransientError{Reason: "send webhook", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return map[string]any{"status_code": resp.StatusCode}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Service: "webhook", Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	default:
		return nil, &ConfigError{Field: "url", Reason: fmt.Sprintf("endpoint rejected request with status %d", resp.StatusCode)}
	}
}

// ComputeSignature returns the hex HMAC-SHA256 of body under secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

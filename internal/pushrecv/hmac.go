package pushrecv

import (
	"encoding/json"
	"net/http"

	"github.com/djlord-it/area-engine/internal/capability"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body for the
// generic webhook source.
const SignatureHeader = "X-AreaEngine-Signature"

// HMACVerifier is the built-in verifier for the generic "webhook" push
// source: the sender signs the JSON body with a shared secret and the body
// carries pre-normalized events.
//
// Body shape:
//
//	{"subject": "...", "events": [{"id": "...", "payload": {...}}]}
type HMACVerifier struct {
	secret string
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

type hmacBody struct {
	Subject string `json:"subject"`
	Events  []struct {
		ID      string         `json:"id"`
		Payload map[string]any `json:"payload"`
	} `json:"events"`
}

// Verify checks the body signature and extracts the normalized events.
func (v *HMACVerifier) Verify(r *http.Request, body []byte) (bool, []capability.PushEvent, error) {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" || !capability.VerifySignature(v.secret, body, sig) {
		return false, nil, nil
	}

	var parsed hmacBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, nil, err
	}

	events := make([]capability.PushEvent, 0, len(parsed.Events))
	for _, ev := range parsed.Events {
		events = append(events, capability.PushEvent{
			Subject:         parsed.Subject,
			ExternalEventID: ev.ID,
			Payload:         ev.Payload,
		})
	}
	return true, events, nil
}

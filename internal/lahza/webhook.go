package lahza

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Lahza-Signature"

// Sign returns the hex signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body in constant time. An empty
// secret never verifies.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// WebhookEvent is the part of a webhook payload needed to reconcile. The
// payload itself is never trusted for amounts or status; the reference is
// re-verified with the API.
type WebhookEvent struct {
	Event     string
	Reference string
}

// ParseWebhook extracts the event name and transaction reference from
// {"event": "charge.success", "data": {"reference": "..."}}.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "event":
			s, err := scalar(d)
			ev.Event = s
			return err
		case "data":
			if d.Next() != jx.Object {
				return d.Skip()
			}
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "reference" {
					return d.Skip()
				}
				s, err := scalar(d)
				ev.Reference = s
				return err
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return WebhookEvent{}, errors.Wrap(err, "decode webhook")
	}
	if ev.Reference == "" {
		return WebhookEvent{}, errors.New("webhook has no reference")
	}
	return ev, nil
}

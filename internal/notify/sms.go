package notify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SMSSender posts messages to a generic SMS provider endpoint as
// {"to": ..., "message": ..., "sender": ...} with a bearer token.
type SMSSender struct {
	endpoint string
	token    string
	senderID string
	client   *http.Client
}

// NewSMSSender creates an SMSSender.
func NewSMSSender(endpoint, token, senderID string, timeout time.Duration) *SMSSender {
	return &SMSSender{
		endpoint: endpoint,
		token:    token,
		senderID: senderID,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *SMSSender) Send(ctx context.Context, m Message) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("to", func(e *jx.Encoder) { e.Str(m.To) })
		e.Field("message", func(e *jx.Encoder) { e.Str(m.Body) })
		if s.senderID != "" {
			e.Field("sender", func(e *jx.Encoder) { e.Str(s.senderID) })
		}
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(e.Bytes()))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send sms")
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		return errors.Errorf("sms provider returned %d", resp.StatusCode)
	}
	return nil
}

// Package lahza is a client for the Lahza payment gateway REST API.
package lahza

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xenking/storefront/internal/domain/payment"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.lahza.io"

// maxBody bounds how much of a gateway response is read.
const maxBody = 1 << 20

// APIError is a non-2xx or status=false response from the gateway. It
// unwraps to payment.ErrGatewayUnavailable.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("lahza: status %d", e.StatusCode)
	}
	return fmt.Sprintf("lahza: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return payment.ErrGatewayUnavailable }

// Config configures a Client.
type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
	// Transport overrides the base round tripper, mostly for tests.
	Transport http.RoundTripper
}

// Client calls the Lahza transaction API.
type Client struct {
	base   string
	secret string
	http   *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		secret: cfg.SecretKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
	}
}

var _ payment.Gateway = (*Client)(nil)

// Initialize opens a hosted checkout for p.AmountMinor.
func (c *Client) Initialize(ctx context.Context, p payment.InitializeParams) (*payment.Session, error) {
	body := encodeInitialize(p)

	raw, err := c.do(ctx, http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, err
	}

	sess := &payment.Session{}
	if err := decodeEnvelope(raw, func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "authorization_url":
				v, err := d.Str()
				sess.AuthorizationURL = v
				return err
			case "reference":
				v, err := d.Str()
				sess.Reference = v
				return err
			default:
				return d.Skip()
			}
		})
	}); err != nil {
		return nil, err
	}
	if sess.Reference == "" || sess.AuthorizationURL == "" {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, "initialize response missing reference")
	}
	return sess, nil
}

// Verify fetches the current state of a transaction.
func (c *Client) Verify(ctx context.Context, reference string) (*payment.Verification, error) {
	raw, err := c.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}

	v := &payment.Verification{Reference: reference, Raw: raw}
	if err := decodeEnvelope(raw, func(d *jx.Decoder) error {
		return decodeTransaction(d, v)
	}); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, "read response: "+err.Error())
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: envelopeMessage(raw)}
	}
	return raw, nil
}

func encodeInitialize(p payment.InitializeParams) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("email", func(e *jx.Encoder) { e.Str(p.Email) })
		e.Field("amount", func(e *jx.Encoder) { e.Int64(p.AmountMinor) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
		if p.CallbackURL != "" {
			e.Field("callback_url", func(e *jx.Encoder) { e.Str(p.CallbackURL) })
		}
		if p.Name != "" {
			e.Field("first_name", func(e *jx.Encoder) { e.Str(p.Name) })
		}
		if p.Mobile != "" {
			e.Field("mobile", func(e *jx.Encoder) { e.Str(p.Mobile) })
		}
		e.Field("metadata", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("orderId", func(e *jx.Encoder) { e.Str(p.OrderID) })
				e.Field("expectedAmountMinor", func(e *jx.Encoder) { e.Int64(p.AmountMinor) })
			})
		})
	})
	return e.Bytes()
}

// decodeEnvelope walks {"status": ..., "message": ..., "data": {...}} and
// hands data to fn. status=false is reported as an APIError.
func decodeEnvelope(raw []byte, fn func(d *jx.Decoder) error) error {
	var (
		ok      = true
		message string
		sawData bool
	)
	d := jx.DecodeBytes(raw)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			switch d.Next() {
			case jx.Bool:
				v, err := d.Bool()
				ok = v
				return err
			case jx.String:
				v, err := d.Str()
				ok = v == "success" || v == "true"
				return err
			default:
				return d.Skip()
			}
		case "message":
			if d.Next() != jx.String {
				return d.Skip()
			}
			v, err := d.Str()
			message = v
			return err
		case "data":
			if d.Next() != jx.Object {
				return d.Skip()
			}
			sawData = true
			return fn(d)
		default:
			return d.Skip()
		}
	}); err != nil {
		return errors.Wrap(payment.ErrGatewayUnavailable, "decode response: "+err.Error())
	}
	if !ok {
		return &APIError{StatusCode: http.StatusOK, Message: message}
	}
	if !sawData {
		return errors.Wrap(payment.ErrGatewayUnavailable, "response has no data")
	}
	return nil
}

func decodeTransaction(d *jx.Decoder, v *payment.Verification) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := scalar(d)
			v.Status = s
			return err
		case "reference":
			s, err := scalar(d)
			if s != "" {
				v.Reference = s
			}
			return err
		case "amount":
			s, err := scalar(d)
			if err != nil || s == "" {
				return err
			}
			amt, err := decimal.NewFromString(s)
			if err != nil {
				return errors.Wrapf(err, "amount %q", s)
			}
			v.Amount = amt
			return nil
		case "currency":
			s, err := scalar(d)
			v.Currency = s
			return err
		case "id":
			s, err := scalar(d)
			v.TransactionID = s
			return err
		case "authorization":
			if d.Next() != jx.Object {
				return d.Skip()
			}
			return d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "card_type", "brand":
					s, err := scalar(d)
					if s != "" {
						v.CardType = s
					}
					return err
				case "last4":
					s, err := scalar(d)
					v.Last4 = s
					return err
				default:
					return d.Skip()
				}
			})
		default:
			return d.Skip()
		}
	})
}

// scalar reads a string or number as text. The gateway is inconsistent
// about quoting numeric fields.
func scalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.Null:
		return "", d.Null()
	default:
		return "", d.Skip()
	}
}

func envelopeMessage(raw []byte) string {
	var message string
	d := jx.DecodeBytes(raw)
	_ = d.Obj(func(d *jx.Decoder, key string) error {
		if key == "message" && d.Next() == jx.String {
			v, err := d.Str()
			message = v
			return err
		}
		return d.Skip()
	})
	return message
}

package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// errBadRequest marks malformed request bodies.
var errBadRequest = errors.New("malformed request")

func badRequest(format string, args ...any) error {
	return errors.Wrapf(errBadRequest, format, args...)
}

// readBody reads at most limit bytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, badRequest("read body: %v", err)
	}
	return body, nil
}

// decodeBody reads a JSON object body, calling fn for every key. Unknown
// keys must be skipped by fn.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, fn func(d *jx.Decoder, key string) error) error {
	body, err := readBody(w, r, limit)
	if err != nil {
		return err
	}
	if err := jx.DecodeBytes(body).Obj(fn); err != nil {
		if errors.Is(err, errBadRequest) {
			return err
		}
		return badRequest("decode body: %v", err)
	}
	return nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, badRequest("invalid number %q", s)
		}
		return v, nil
	default:
		return decimal.Zero, badRequest("expected number, got %v", d.Next())
	}
}

func decodeOptDecimal(d *jx.Decoder) (*decimal.Decimal, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	v, err := decodeDecimal(d)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeOptTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, badRequest("invalid time %q", s)
	}
	return &t, nil
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		out = append(out, s)
		return err
	})
	return out, err
}

// writeJSON writes the object produced by fn with the given status.
func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func encodeMoney(e *jx.Encoder, name string, v decimal.Decimal) {
	e.Field(name, func(e *jx.Encoder) { e.Float64(v.Round(2).InexactFloat64()) })
}

func encodeOptMoney(e *jx.Encoder, name string, v *decimal.Decimal) {
	if v != nil {
		encodeMoney(e, name, *v)
	}
}

func encodeTime(e *jx.Encoder, name string, t time.Time) {
	e.Field(name, func(e *jx.Encoder) { e.Str(t.UTC().Format(time.RFC3339)) })
}

func encodeOptTime(e *jx.Encoder, name string, t *time.Time) {
	if t != nil {
		encodeTime(e, name, *t)
	}
}

func encodeStr(e *jx.Encoder, name, v string) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v) })
}

func encodeOptStr(e *jx.Encoder, name, v string) {
	if v != "" {
		encodeStr(e, name, v)
	}
}

// encodeNullStr writes v, or null when it is empty.
func encodeNullStr(e *jx.Encoder, name, v string) {
	e.Field(name, func(e *jx.Encoder) {
		if v == "" {
			e.Null()
			return
		}
		e.Str(v)
	})
}

func encodeStrings(e *jx.Encoder, name string, vals []string) {
	e.Field(name, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, v := range vals {
				e.Str(v)
			}
		})
	})
}

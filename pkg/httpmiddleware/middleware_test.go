package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrap_Order(t *testing.T) {
	var calls []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls = append(calls, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Wrap(okHandler(), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, calls)
}

func TestMakeRouteFinder(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/orders/{id}", func(http.ResponseWriter, *http.Request) {})
	r.Post("/api/payments/lahza/webhook", func(http.ResponseWriter, *http.Request) {})
	find := MakeRouteFinder(r)

	assert.Equal(t, "/api/orders/{id}", find(httptest.NewRequest(http.MethodGet, "/api/orders/abc", nil)))
	assert.Equal(t, "/api/payments/lahza/webhook", find(httptest.NewRequest(http.MethodPost, "/api/payments/lahza/webhook", nil)))
	assert.Empty(t, find(httptest.NewRequest(http.MethodDelete, "/api/orders/abc", nil)))
}

func TestRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var seen string
	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		zctx.From(r.Context()).Info("handled")
	}), InjectLogger(zap.New(core)), RequestID())

	t.Run("Propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, "req-42", seen)
		assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, "req-42", entries[0].ContextMap()["request_id"])
	})
	t.Run("Generated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "bad\nid")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Len(t, seen, 36)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	})
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), InjectLogger(zap.New(core)), Recovery())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":500,"error":"Internal","message":"internal server error"}`, w.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}

func TestRecovery_AbortHandler(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestLogRequests(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := chi.NewRouter()
	r.Get("/api/orders/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("x"))
	})
	h := Wrap(r, InjectLogger(zap.New(core)), LogRequests(MakeRouteFinder(r)))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/orders/1", nil))

	entries := logs.FilterMessage("Request failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/orders/{id}", fields["route"])
	assert.EqualValues(t, http.StatusBadGateway, fields["status"])
	assert.EqualValues(t, 1, fields["bytes"])
}

func TestAllowIPs(t *testing.T) {
	allowed, err := ParsePrefixes([]string{"203.0.113.0/24", " 198.51.100.7 ", ""})
	require.NoError(t, err)
	require.Len(t, allowed, 2)

	for _, tc := range []struct {
		name    string
		remote  string
		xff     string
		trusted bool
		want    int
	}{
		{"InRange", "203.0.113.9:443", "", false, http.StatusOK},
		{"SingleHost", "198.51.100.7:443", "", false, http.StatusOK},
		{"Outside", "192.0.2.1:443", "", false, http.StatusForbidden},
		{"MappedIPv4", "[::ffff:203.0.113.9]:443", "", false, http.StatusOK},
		{"ForwardedIgnored", "192.0.2.1:443", "203.0.113.9", false, http.StatusForbidden},
		{"ForwardedTrusted", "10.0.0.1:443", "203.0.113.9, 10.0.0.1", true, http.StatusOK},
		{"Garbage", "not-an-ip", "", false, http.StatusForbidden},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/payments/lahza/webhook", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			w := httptest.NewRecorder()
			AllowIPs(allowed, tc.trusted)(okHandler()).ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestAllowIPs_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.1:1"
	w := httptest.NewRecorder()
	AllowIPs(nil, false)(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParsePrefixes_Invalid(t *testing.T) {
	_, err := ParsePrefixes([]string{"10.0.0.0/99"})
	require.Error(t, err)
	_, err = ParsePrefixes([]string{"example.com"})
	require.Error(t, err)
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{Origins: []string{"https://Shop.example"}})(okHandler())

	t.Run("Preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
		req.Header.Set("Origin", "https://shop.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://Shop.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
	})
	t.Run("Disallowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
		req.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})
	t.Run("AnyOriginWithCredentials", func(t *testing.T) {
		h := CORS(CORSConfig{Credentials: true})(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
		req.Header.Set("Origin", "https://a.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, "https://a.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})
}

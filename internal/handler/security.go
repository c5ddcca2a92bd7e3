package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
)

// APIKeyHeader carries admin API keys.
const APIKeyHeader = "X-API-Key"

// authenticate attaches a Principal when the request carries an API key or
// a bearer token. Anonymous requests pass through; invalid credentials are
// rejected with 401.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			p   *auth.Principal
			err error
		)
		if key := r.Header.Get(APIKeyHeader); key != "" {
			p, err = h.authn.APIKey(r.Context(), key)
		} else if token, ok := bearerToken(r); ok {
			p, err = h.authn.Bearer(token)
		} else {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			zctx.From(r.Context()).Info("Authentication failed", zap.Error(err))
			fail(w, r, auth.ErrUnauthorized)
			return
		}

		ctx := auth.WithPrincipal(r.Context(), p)
		ctx = zctx.With(ctx, zap.String("principal", p.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin admits only admin principals.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.FromContext(r.Context())
		switch {
		case p == nil:
			fail(w, r, auth.ErrUnauthorized)
		case !p.IsAdmin():
			fail(w, r, auth.ErrForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func bearerToken(r *http.Request) (string, bool) {
	v := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

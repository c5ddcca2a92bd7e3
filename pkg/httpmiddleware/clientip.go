package httpmiddleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// ClientIP returns the caller address. Forwarding headers are honoured only
// when trustForwarded is set, i.e. when the service runs behind a proxy
// that overwrites them.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ParsePrefixes parses CIDR blocks or bare addresses.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, errors.Wrapf(err, "parse cidr %q", v)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse address %q", v)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// AllowIPs rejects requests whose client address is outside allowed with
// 403. An empty list allows every address.
func AllowIPs(allowed []netip.Prefix, trustForwarded bool) Middleware {
	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustForwarded)
			if !ipAllowed(ip, allowed) {
				zctx.From(r.Context()).Warn("Source address not allowed",
					zap.String("ip", ip),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusForbidden, "Forbidden", "source address not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ipAllowed(ip string, allowed []netip.Prefix) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range allowed {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

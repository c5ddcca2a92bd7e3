// Package handler exposes the storefront over HTTP.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// WebhookSecret verifies X-Lahza-Signature on gateway webhooks.
	WebhookSecret string
	// CallbackURL is used when a payment request carries none.
	CallbackURL string
	// ImageBaseURL is prepended to relative image paths in product responses.
	ImageBaseURL string
	// MaxBodyBytes bounds request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// Handler serves the storefront API on top of the domain services.
type Handler struct {
	catalog  *catalog.Service
	orders   *order.Service
	payments *payment.Service
	rules    *discount.Service
	authn    *auth.Authenticator

	webhookSecret string
	callbackURL   string
	imageBaseURL  string
	maxBody       int64
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg Config,
	catalogSvc *catalog.Service,
	orders *order.Service,
	payments *payment.Service,
	rules *discount.Service,
	authn *auth.Authenticator,
) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		catalog:       catalogSvc,
		orders:        orders,
		payments:      payments,
		rules:         rules,
		authn:         authn,
		webhookSecret: cfg.WebhookSecret,
		callbackURL:   cfg.CallbackURL,
		imageBaseURL:  cfg.ImageBaseURL,
		maxBody:       cfg.MaxBodyBytes,
	}
}

// Routes builds the API router. webhookGuard runs in front of the gateway
// webhook only, before the signature check.
func (h *Handler) Routes(webhookGuard httpmiddleware.Middleware) chi.Router {
	if webhookGuard == nil {
		webhookGuard = func(next http.Handler) http.Handler { return next }
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, errNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, errMethodNotAllowed)
	})

	r.Route("/api", func(r chi.Router) {
		// Webhooks authenticate by signature, never by API key, and must not
		// reach the store before that check.
		r.With(webhookGuard).Post("/payments/webhook", h.webhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Get("/products", h.listProducts)
			r.Get("/products/{id}", h.getProduct)

			r.Post("/orders", h.placeCOD)
			r.Post("/orders/prepare-card", h.prepareCard)
			r.Get("/orders/{id}", h.getOrder)

			r.Post("/payments/create", h.createPayment)
			r.Get("/payments/status/{reference}", h.paymentStatus)
			r.Post("/payments/status/{reference}/confirm", h.confirmPayment)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)

				r.Patch("/orders/{id}/status", h.updateOrderStatus)
				r.Patch("/orders/by-reference/{reference}/pay", h.markPaidByReference)

				r.Route("/admin", func(r chi.Router) {
					r.Post("/products", h.createProduct)
					r.Delete("/products/{id}", h.deleteProduct)
					r.Put("/variants/{id}/price", h.updateVariantPrice)

					r.Get("/discount-rules", h.listRules)
					r.Post("/discount-rules", h.createRule)
					r.Put("/discount-rules/{id}", h.updateRule)
					r.Delete("/discount-rules/{id}", h.deleteRule)
				})
			})
		})
	})
	return r
}

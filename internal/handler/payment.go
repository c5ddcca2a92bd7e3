package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/lahza"
)

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req payment.InitRequest
	err := decodeBody(w, r, h.maxBody, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "orderId":
			req.OrderID, err = d.Str()
		case "callback_url", "callbackUrl":
			req.CallbackURL, err = d.Str()
		case "email":
			req.Email, err = d.Str()
		case "name":
			req.Name, err = d.Str()
		case "mobile":
			req.Mobile, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if req.OrderID == "" {
		fail(w, r, badRequest("orderId is required"))
		return
	}
	if req.CallbackURL == "" {
		req.CallbackURL = h.callbackURL
	}

	sess, err := h.payments.Initialize(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			encodeStr(e, "authorization_url", sess.AuthorizationURL)
			encodeStr(e, "reference", sess.Reference)
		})
	})
}

func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.payments.Status(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			encodeStr(e, "reference", v.Reference)
			encodeStr(e, "status", v.Status)
			e.Field("succeeded", func(e *jx.Encoder) { e.Bool(v.Succeeded()) })
			e.Field("amount", func(e *jx.Encoder) { e.Str(v.Amount.String()) })
			encodeStr(e, "currency", v.Currency)
			encodeOptStr(e, "transactionId", v.TransactionID)
			encodeOptStr(e, "cardType", v.CardType)
			encodeOptStr(e, "last4", v.Last4)
		})
	})
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, chi.URLParam(r, "reference"), payment.SourcePoll)
}

func (h *Handler) markPaidByReference(w http.ResponseWriter, r *http.Request) {
	zctx.From(r.Context()).Info("Admin payment reconciliation",
		zap.String("reference", chi.URLParam(r, "reference")),
		zap.String("admin", auth.FromContext(r.Context()).Subject),
	)
	h.reconcile(w, r, chi.URLParam(r, "reference"), payment.SourceAdmin)
}

// webhook handles gateway callbacks. The signature is verified against the
// raw body before anything else touches the store.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		fail(w, r, err)
		return
	}
	if !lahza.VerifySignature(h.webhookSecret, body, r.Header.Get(lahza.SignatureHeader)) {
		zctx.From(r.Context()).Warn("Webhook signature rejected",
			zap.String("remote_addr", r.RemoteAddr),
		)
		fail(w, r, auth.ErrUnauthorized)
		return
	}
	ev, err := lahza.ParseWebhook(body)
	if err != nil {
		fail(w, r, badRequest("%v", err))
		return
	}
	zctx.From(r.Context()).Debug("Webhook received",
		zap.String("event", ev.Event),
		zap.String("reference", ev.Reference),
	)
	h.reconcile(w, r, ev.Reference, payment.SourceWebhook)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request, reference string, source payment.Source) {
	out, err := h.payments.Reconcile(r.Context(), reference, source)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOutcome(e, out) })
}

func encodeOutcome(e *jx.Encoder, o *payment.Outcome) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("ok", func(e *jx.Encoder) { e.Bool(o.OK) })
		encodeNullStr(e, "status", o.Status)
		e.Field("updated", func(e *jx.Encoder) { e.Bool(o.Updated) })
		e.Field("alreadyPaid", func(e *jx.Encoder) { e.Bool(o.AlreadyPaid) })
		e.Field("mismatch", func(e *jx.Encoder) {
			if o.Mismatch == nil {
				e.Null()
				return
			}
			encodeMismatch(e, o.Mismatch)
		})
		encodeNullStr(e, "orderId", o.OrderID)
	})
}

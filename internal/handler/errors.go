package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

var (
	errNotFound         = errors.New("route not found")
	errMethodNotAllowed = errors.New("method not allowed")
)

// apiError is the mapped form of a domain error.
type apiError struct {
	Status  int
	Kind    string
	Message string
}

// kinds maps sentinel errors to responses, checked in order.
var kinds = []struct {
	err    error
	status int
	kind   string
}{
	{order.ErrOutOfStock, http.StatusConflict, "OutOfStock"},
	{order.ErrEmptyOrder, http.StatusBadRequest, "EmptyOrder"},
	{order.ErrInvalidLineItem, http.StatusBadRequest, "InvalidLineItem"},
	{order.ErrInvalidAddress, http.StatusBadRequest, "InvalidAddress"},
	{order.ErrNotFound, http.StatusNotFound, "OrderNotFound"},
	{order.ErrInvalidStatus, http.StatusBadRequest, "InvalidStatus"},
	{order.ErrInvalidTransition, http.StatusConflict, "InvalidTransition"},
	{order.ErrStatusConflict, http.StatusConflict, "StatusConflict"},
	{payment.ErrInvalidOrderTotal, http.StatusBadRequest, "InvalidOrderTotal"},
	{payment.ErrNotCardOrder, http.StatusBadRequest, "NotCardOrder"},
	{payment.ErrAmountMismatch, http.StatusConflict, "AmountMismatch"},
	{payment.ErrCurrencyMismatch, http.StatusConflict, "CurrencyMismatch"},
	{payment.ErrAlreadyPaid, http.StatusConflict, "AlreadyPaid"},
	{payment.ErrGatewayUnavailable, http.StatusBadGateway, "GatewayUnavailable"},
	{catalog.ErrNotFound, http.StatusNotFound, "NotFound"},
	{catalog.ErrDuplicateSKU, http.StatusConflict, "DuplicateSKU"},
	{discount.ErrNotFound, http.StatusNotFound, "NotFound"},
	{discount.ErrInvalidRule, http.StatusBadRequest, "InvalidRule"},
	{auth.ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	{auth.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{errBadRequest, http.StatusBadRequest, "BadRequest"},
	{errNotFound, http.StatusNotFound, "NotFound"},
	{errMethodNotAllowed, http.StatusMethodNotAllowed, "MethodNotAllowed"},
}

// mapError converts err to its HTTP representation. Unknown errors map to
// 500 with a generic message.
func mapError(err error) apiError {
	var ve *catalog.ValidationError
	if errors.As(err, &ve) {
		return apiError{Status: http.StatusBadRequest, Kind: "ValidationFailed", Message: ve.Error()}
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return apiError{Status: k.status, Kind: k.kind, Message: err.Error()}
		}
	}
	return apiError{Status: http.StatusInternalServerError, Kind: "Internal", Message: "internal server error"}
}

// fail writes err as {"code","error","message"}. Server errors are logged
// with the cause, client errors at debug level.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := mapError(err)
	lg := zctx.From(r.Context())
	if ae.Status >= http.StatusInternalServerError {
		lg.Error("Request failed", zap.Error(err), zap.String("kind", ae.Kind))
	} else {
		lg.Debug("Request rejected", zap.Error(err), zap.String("kind", ae.Kind))
	}

	writeJSON(w, ae.Status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(ae.Status) })
			encodeStr(e, "error", ae.Kind)
			encodeStr(e, "message", ae.Message)
		})
	})
}

package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/order"
)

func (h *Handler) placeCOD(w http.ResponseWriter, r *http.Request) {
	h.place(w, r, h.orders.PlaceCOD)
}

func (h *Handler) prepareCard(w http.ResponseWriter, r *http.Request) {
	h.place(w, r, h.orders.PrepareCard)
}

func (h *Handler) place(w http.ResponseWriter, r *http.Request, placeFn func(context.Context, order.PlaceRequest) (*order.Order, error)) {
	req, err := h.decodePlaceRequest(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	o, err := placeFn(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// decodePlaceRequest reads the checkout body. Prices, totals and payment
// fields sent by the client are skipped: the server recomputes all of them.
// The buyer identity comes from the authenticated principal only.
func (h *Handler) decodePlaceRequest(w http.ResponseWriter, r *http.Request) (order.PlaceRequest, error) {
	var req order.PlaceRequest
	err := decodeBody(w, r, h.maxBody, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var l order.LineRequest
				err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "productId":
						l.ProductID, err = d.Str()
					case "variantId":
						l.VariantID, err = d.Str()
					case "quantity":
						l.Quantity, err = d.Int()
					default:
						err = d.Skip()
					}
					return err
				})
				req.Items = append(req.Items, l)
				return err
			})
		case "address":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				a := &req.Address
				switch key {
				case "fullName":
					a.FullName, err = d.Str()
				case "phone":
					a.Phone, err = d.Str()
				case "city":
					a.City, err = d.Str()
				case "street":
					a.Street, err = d.Str()
				case "notes":
					a.Notes, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		case "guestInfo":
			if d.Next() == jx.Null {
				return d.Null()
			}
			g := &order.GuestInfo{}
			req.Guest = g
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "name":
					g.Name, err = d.Str()
				case "phone":
					g.Phone, err = d.Str()
				case "email":
					g.Email, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		case "discount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			c := &order.DiscountClaim{}
			req.Discount = c
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "ruleId":
					c.RuleID, err = d.Str()
				case "type":
					c.Type, err = d.Str()
				case "value":
					c.Value, err = decodeDecimal(d)
				case "amount":
					c.Amount, err = decodeDecimal(d)
				default:
					err = d.Skip()
				}
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if p := auth.FromContext(r.Context()); p != nil && p.Role == auth.RoleCustomer {
		req.UserID = p.Subject
	}
	return req, err
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var to order.Status
	err := decodeBody(w, r, h.maxBody, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		s, err := d.Str()
		to = order.Status(s)
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	o, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), to)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		encodeStr(e, "id", o.ID)
		encodeOptStr(e, "userId", o.UserID)
		if g := o.Guest; g != nil {
			e.Field("guestInfo", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					encodeStr(e, "name", g.Name)
					encodeStr(e, "phone", g.Phone)
					encodeOptStr(e, "email", g.Email)
				})
			})
		}
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						encodeStr(e, "productId", it.ProductID)
						encodeStr(e, "variantId", it.VariantID)
						encodeStr(e, "name", it.Name)
						encodeStr(e, "sku", it.SKU)
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						encodeMoney(e, "unitPrice", it.UnitPrice)
						encodeMoney(e, "lineTotal", it.LineTotal)
						encodeOptStr(e, "color", it.Color)
						encodeOptStr(e, "measure", it.Measure)
					})
				}
			})
		})
		encodeMoney(e, "subtotal", o.Subtotal)
		e.Field("discount", func(e *jx.Encoder) {
			d := o.Discount
			e.Obj(func(e *jx.Encoder) {
				e.Field("applied", func(e *jx.Encoder) { e.Bool(d.Applied) })
				if !d.Applied {
					return
				}
				encodeStr(e, "ruleId", d.RuleID)
				encodeStr(e, "name", d.Name)
				encodeStr(e, "type", d.Type)
				encodeMoney(e, "value", d.Value)
				encodeMoney(e, "threshold", d.Threshold)
				encodeMoney(e, "amount", d.Amount)
			})
		})
		encodeMoney(e, "total", o.Total)
		e.Field("address", func(e *jx.Encoder) {
			a := o.Address
			e.Obj(func(e *jx.Encoder) {
				encodeStr(e, "fullName", a.FullName)
				encodeStr(e, "phone", a.Phone)
				encodeStr(e, "city", a.City)
				encodeStr(e, "street", a.Street)
				encodeOptStr(e, "notes", a.Notes)
			})
		})
		encodeStr(e, "status", string(o.Status))
		encodeStr(e, "paymentMethod", string(o.PaymentMethod))
		encodeStr(e, "paymentStatus", string(o.PaymentStatus))
		encodeOptStr(e, "paymentCurrency", o.PaymentCurrency)
		encodeOptStr(e, "reference", o.Reference)
		encodeOptStr(e, "paymentCardType", o.CardType)
		encodeOptStr(e, "paymentCardLast4", o.CardLast4)
		encodeOptMoney(e, "paymentVerifiedAmount", o.VerifiedAmount)
		if m := o.Mismatch; m != nil {
			e.Field("paymentMismatch", func(e *jx.Encoder) { encodeMismatch(e, m) })
		}
		encodeOptTime(e, "paidAt", o.PaidAt)
		encodeOptTime(e, "deliveredAt", o.DeliveredAt)
		encodeTime(e, "createdAt", o.CreatedAt)
		encodeTime(e, "updatedAt", o.UpdatedAt)
	})
}

func encodeMismatch(e *jx.Encoder, m *order.Mismatch) {
	e.Obj(func(e *jx.Encoder) {
		encodeStr(e, "reason", m.Reason)
		encodeStr(e, "reference", m.Reference)
		e.Field("expectedMinor", func(e *jx.Encoder) { e.Int64(m.ExpectedMinor) })
		encodeStr(e, "reportedAmount", m.ReportedAmount)
		encodeStr(e, "expectedCurrency", m.ExpectedCurrency)
		encodeStr(e, "reportedCurrency", m.ReportedCurrency)
		encodeTime(e, "detectedAt", m.DetectedAt)
	})
}

package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/pricing"
)

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.List(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	now := h.catalog.Now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range products {
				h.encodeProduct(e, &products[i], now)
			}
		})
	})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	now := h.catalog.Now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeProduct(e, p, now) })
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var p catalog.Product
	err := decodeBody(w, r, h.maxBody, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			p.Name, err = d.Str()
		case "description":
			p.Description, err = d.Str()
		case "category":
			p.Category, err = d.Str()
		case "variants":
			err = d.Arr(func(d *jx.Decoder) error {
				v, err := decodeVariant(d)
				p.Variants = append(p.Variants, v)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.catalog.CreateProduct(r.Context(), &p); err != nil {
		fail(w, r, err)
		return
	}
	now := h.catalog.Now()
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { h.encodeProduct(e, &p, now) })
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateVariantPrice(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		fail(w, r, err)
		return
	}
	price, err := decodePrice(jx.DecodeBytes(body))
	if err != nil {
		fail(w, r, badRequest("decode price: %v", err))
		return
	}
	if err := h.catalog.UpdatePrice(r.Context(), chi.URLParam(r, "id"), price); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeVariant(d *jx.Decoder) (catalog.Variant, error) {
	var v catalog.Variant
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "measure":
			v.Measure, err = d.Str()
		case "color":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "name":
					v.Color.Name, err = d.Str()
				case "code":
					v.Color.Code, err = d.Str()
				case "images":
					v.Color.Images, err = decodeStrings(d)
				default:
					err = d.Skip()
				}
				return err
			})
		case "price":
			v.Price, err = decodePrice(d)
		case "stock":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "inStock":
					v.Stock.InStock, err = d.Int()
				case "sku":
					v.Stock.SKU, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		default:
			// tags are derived from measure and color.
			err = d.Skip()
		}
		return err
	})
	return v, err
}

func decodePrice(d *jx.Decoder) (pricing.Price, error) {
	var p pricing.Price
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "currency":
			p.Currency, err = d.Str()
		case "amount":
			p.Amount, err = decodeDecimal(d)
		case "compareAt":
			p.CompareAt, err = decodeOptDecimal(d)
		case "discount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			disc := &pricing.Discount{}
			p.Discount = disc
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "type":
					var s string
					s, err = d.Str()
					disc.Type = pricing.DiscountType(s)
				case "value":
					disc.Value, err = decodeDecimal(d)
				case "startAt":
					disc.StartAt, err = decodeOptTime(d)
				case "endAt":
					disc.EndAt, err = decodeOptTime(d)
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
	return p, err
}

func (h *Handler) encodeProduct(e *jx.Encoder, p *catalog.Product, now time.Time) {
	e.Obj(func(e *jx.Encoder) {
		encodeStr(e, "id", p.ID)
		encodeStr(e, "name", p.Name)
		encodeStr(e, "description", p.Description)
		encodeStr(e, "category", p.Category)
		encodeTime(e, "createdAt", p.CreatedAt)
		e.Field("variants", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for i := range p.Variants {
					h.encodeVariant(e, &p.Variants[i], now)
				}
			})
		})
	})
}

func (h *Handler) encodeVariant(e *jx.Encoder, v *catalog.Variant, now time.Time) {
	q := pricing.QuoteAt(v.Price, now)
	e.Obj(func(e *jx.Encoder) {
		encodeStr(e, "id", v.ID)
		encodeStr(e, "productId", v.ProductID)
		encodeStr(e, "measure", v.Measure)
		e.Field("color", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				encodeStr(e, "name", v.Color.Name)
				encodeStr(e, "code", v.Color.Code)
				images := make([]string, len(v.Color.Images))
				for i, img := range v.Color.Images {
					images[i] = h.imageURL(img)
				}
				encodeStrings(e, "images", images)
			})
		})
		e.Field("price", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				encodeStr(e, "currency", v.Price.Currency)
				encodeMoney(e, "amount", v.Price.Amount)
				encodeOptMoney(e, "compareAt", v.Price.CompareAt)
				if d := v.Price.Discount; d != nil {
					e.Field("discount", func(e *jx.Encoder) {
						e.Obj(func(e *jx.Encoder) {
							encodeStr(e, "type", string(d.Type))
							encodeMoney(e, "value", d.Value)
							encodeOptTime(e, "startAt", d.StartAt)
							encodeOptTime(e, "endAt", d.EndAt)
						})
					})
				}
			})
		})
		e.Field("quote", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				encodeMoney(e, "final", q.Final)
				e.Field("discountActive", func(e *jx.Encoder) { e.Bool(q.DiscountActive) })
				encodeOptMoney(e, "compareAt", q.CompareAt)
			})
		})
		e.Field("stock", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("inStock", func(e *jx.Encoder) { e.Int(v.Stock.InStock) })
				encodeStr(e, "sku", v.Stock.SKU)
			})
		})
		encodeStrings(e, "tags", v.Tags)
	})
}

// imageURL prefixes relative image paths with the configured base URL.
func (h *Handler) imageURL(path string) string {
	if h.imageBaseURL == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(h.imageBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

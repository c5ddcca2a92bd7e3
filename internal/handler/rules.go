package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/discount"
)

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range rules {
				encodeRule(e, &rules[i])
			}
		})
	})
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.decodeRule(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.rules.Create(r.Context(), rule); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeRule(e, rule) })
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.decodeRule(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := h.rules.Update(r.Context(), rule); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRule(e, rule) })
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeRule(w http.ResponseWriter, r *http.Request) (*discount.Rule, error) {
	rule := &discount.Rule{IsActive: true}
	err := decodeBody(w, r, h.maxBody, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			rule.Name, err = d.Str()
		case "threshold":
			rule.Threshold, err = decodeDecimal(d)
		case "type":
			var s string
			s, err = d.Str()
			rule.Type = discount.Type(s)
		case "value":
			rule.Value, err = decodeDecimal(d)
		case "isActive":
			rule.IsActive, err = d.Bool()
		case "startAt":
			rule.StartAt, err = decodeOptTime(d)
		case "endAt":
			rule.EndAt, err = decodeOptTime(d)
		case "priority":
			rule.Priority, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	return rule, err
}

func encodeRule(e *jx.Encoder, r *discount.Rule) {
	e.Obj(func(e *jx.Encoder) {
		encodeStr(e, "id", r.ID)
		encodeStr(e, "name", r.Name)
		encodeMoney(e, "threshold", r.Threshold)
		encodeStr(e, "type", string(r.Type))
		encodeMoney(e, "value", r.Value)
		e.Field("isActive", func(e *jx.Encoder) { e.Bool(r.IsActive) })
		encodeOptTime(e, "startAt", r.StartAt)
		encodeOptTime(e, "endAt", r.EndAt)
		e.Field("priority", func(e *jx.Encoder) { e.Int(r.Priority) })
		encodeTime(e, "createdAt", r.CreatedAt)
		encodeTime(e, "updatedAt", r.UpdatedAt)
	})
}

package order

import (
	"time"

	"github.com/go-faster/errors"
)

// Status is the fulfillment state of an order.
type Status string

const (
	StatusWaitingConfirmation Status = "waiting_confirmation"
	StatusPending             Status = "pending"
	StatusOnTheWay            Status = "on_the_way"
	StatusDelivered           Status = "delivered"
	StatusCancelled           Status = "cancelled"
)

// Effect is a side effect attached to entering a status.
type Effect uint8

const (
	// EffectMarkPaid sets paymentStatus=paid. Delivery of a COD order is the
	// moment cash is collected.
	EffectMarkPaid Effect = 1 << iota
	// EffectStampDelivered records deliveredAt.
	EffectStampDelivered
	// EffectRestock returns reserved stock for every line.
	EffectRestock
)

// transitions is the complete fulfillment state machine. A status missing
// from the outer map is terminal.
var transitions = map[Status]map[Status]Effect{
	StatusWaitingConfirmation: {
		StatusPending:   0,
		StatusCancelled: EffectRestock,
	},
	StatusPending: {
		StatusOnTheWay:  0,
		StatusCancelled: EffectRestock,
	},
	StatusOnTheWay: {
		StatusDelivered: EffectMarkPaid | EffectStampDelivered,
		StatusCancelled: EffectRestock,
	},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaitingConfirmation, StatusPending, StatusOnTheWay, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Transition is a planned status change and its side effects.
type Transition struct {
	From    Status
	To      Status
	Effects Effect
}

// Has reports whether the transition carries effect e.
func (t Transition) Has(e Effect) bool {
	return t.Effects&e != 0
}

// Noop reports whether the transition leaves the order unchanged.
func (t Transition) Noop() bool {
	return t.From == t.To
}

// Plan validates a move from -> to against the transition table. Requesting
// the current status is a no-op rather than an error.
func Plan(from, to Status) (Transition, error) {
	if !to.Valid() {
		return Transition{}, errors.Wrapf(ErrInvalidStatus, "%q", to)
	}
	if from == to {
		return Transition{From: from, To: to}, nil
	}
	effects, ok := transitions[from][to]
	if !ok {
		return Transition{}, errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return Transition{From: from, To: to, Effects: effects}, nil
}

// Apply performs t on o in memory. Storage implementations must produce the
// same result with a single conditional write.
func (t Transition) Apply(o *Order, now time.Time) {
	if t.Noop() {
		return
	}
	o.Status = t.To
	o.UpdatedAt = now
	if t.Has(EffectMarkPaid) && o.PaymentStatus != PaymentPaid {
		o.PaymentStatus = PaymentPaid
		o.PaidAt = &now
	}
	if t.Has(EffectStampDelivered) {
		o.DeliveredAt = &now
	}
}

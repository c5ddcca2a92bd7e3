package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/notify"
)

// PlaceRequest holds the input for creating an order.
type PlaceRequest struct {
	UserID   string
	Guest    *GuestInfo
	Address  Address
	Items    []LineRequest
	Discount *DiscountClaim
}

// Notifier queues customer notifications without blocking.
type Notifier interface {
	Enqueue(m notify.Message) bool
}

// Service encapsulates order creation and fulfillment.
type Service struct {
	assembler    *Assembler
	orders       Repository
	notifier     Notifier
	enforceStock bool
	now          func() time.Time
}

// NewService creates an order Service.
func NewService(assembler *Assembler, orders Repository, enforceStock bool) *Service {
	return &Service{
		assembler:    assembler,
		orders:       orders,
		enforceStock: enforceStock,
		now:          time.Now,
	}
}

// SetNotifier enables customer notifications on status changes.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// PlaceCOD creates a cash-on-delivery order. Payment status is always
// unpaid regardless of what the client sent.
func (s *Service) PlaceCOD(ctx context.Context, req PlaceRequest) (*Order, error) {
	return s.place(ctx, req, PaymentCOD)
}

// PrepareCard creates a card order awaiting gateway payment. The gateway
// reference is assigned later by the payment service.
func (s *Service) PrepareCard(ctx context.Context, req PlaceRequest) (*Order, error) {
	return s.place(ctx, req, PaymentCard)
}

func (s *Service) place(ctx context.Context, req PlaceRequest, method PaymentMethod) (*Order, error) {
	if req.Address.Phone == "" || req.Address.City == "" {
		return nil, errors.Wrap(ErrInvalidAddress, "phone and city required")
	}

	now := s.now().UTC()
	asm, err := s.assembler.Assemble(ctx, req.Items, req.Discount, now)
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Guest:           req.Guest,
		Items:           asm.Items,
		Subtotal:        asm.Subtotal,
		Discount:        asm.Discount,
		Total:           asm.Total,
		Address:         req.Address,
		Status:          StatusWaitingConfirmation,
		PaymentMethod:   method,
		PaymentStatus:   PaymentUnpaid,
		PaymentCurrency: asm.Currency,
		StockReserved:   s.enforceStock,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		if errors.Is(err, ErrOutOfStock) {
			return nil, err
		}
		return nil, errors.Wrap(err, "create order")
	}

	zctx.From(ctx).Info("Order placed",
		zap.String("order_id", o.ID),
		zap.String("payment_method", string(method)),
		zap.String("subtotal", o.Subtotal.String()),
		zap.String("discount", o.Discount.Amount.String()),
		zap.String("total", o.Total.String()),
	)
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

// UpdateStatus moves an order along the fulfillment state machine. Entering
// delivered also marks the order paid.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	t, err := Plan(o.Status, to)
	if err != nil {
		return nil, err
	}
	if t.Noop() {
		return o, nil
	}

	updated, err := s.orders.Transition(ctx, id, t, s.now().UTC())
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", id),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("payment_status", string(updated.PaymentStatus)),
	)
	s.notifyStatus(updated)
	return updated, nil
}

func (s *Service) notifyStatus(o *Order) {
	to := o.Contact()
	if s.notifier == nil || to == "" {
		return
	}
	s.notifier.Enqueue(notify.Message{
		Kind:    notify.KindOrderStatus,
		OrderID: o.ID,
		To:      to,
		Body:    fmt.Sprintf("Order %s is now %s.", shortRef(o.ID), strings.ReplaceAll(string(o.Status), "_", " ")),
	})
}

func shortRef(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/notify"
)

// Options configures a Service.
type Options struct {
	UnitMode       UnitMode
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.UnitMode == "" {
		o.UnitMode = UnitAuto
	}
	if o.MeterProvider == nil {
		o.MeterProvider = otel.GetMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
}

// Service opens gateway checkouts and applies verified results to orders.
type Service struct {
	gateway  Gateway
	repo     Repository
	orders   OrderReader
	notifier Notifier
	unitMode UnitMode
	now      func() time.Time

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// NewService creates a payment Service. notifier may be nil.
func NewService(gw Gateway, repo Repository, orders OrderReader, notifier Notifier, opts Options) (*Service, error) {
	opts.setDefaults()

	const name = "github.com/xenking/storefront/internal/domain/payment"
	outcomes, err := opts.MeterProvider.Meter(name).Int64Counter("storefront.payment.reconcile",
		metric.WithDescription("Payment reconciliation outcomes"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "reconcile counter")
	}

	return &Service{
		gateway:  gw,
		repo:     repo,
		orders:   orders,
		notifier: notifier,
		unitMode: opts.UnitMode,
		now:      time.Now,
		tracer:   opts.TracerProvider.Tracer(name),
		outcomes: outcomes,
	}, nil
}

// InitRequest holds the buyer details forwarded to the gateway checkout.
type InitRequest struct {
	OrderID     string
	CallbackURL string
	Email       string
	Name        string
	Mobile      string
}

// Initialize opens a gateway checkout for an unpaid card order. Calling it
// again replaces the order reference, but only after the gateway confirms the
// previous reference was not paid; the previous attempt becomes superseded.
func (s *Service) Initialize(ctx context.Context, req InitRequest) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "payment.Initialize",
		trace.WithAttributes(attribute.String("order.id", req.OrderID)),
	)
	defer span.End()

	o, err := s.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.IsPaid() {
		return nil, ErrAlreadyPaid
	}
	if o.PaymentMethod != order.PaymentCard {
		return nil, ErrNotCardOrder
	}
	if !o.Total.IsPositive() {
		return nil, ErrInvalidOrderTotal
	}
	if o.Reference != "" {
		if err := s.settlePrevious(ctx, o.Reference); err != nil {
			return nil, err
		}
	}

	minor := MinorUnits(o.Total)
	sess, err := s.gateway.Initialize(ctx, InitializeParams{
		OrderID:     o.ID,
		Email:       req.Email,
		Name:        req.Name,
		Mobile:      firstNonEmpty(req.Mobile, o.Contact()),
		CallbackURL: req.CallbackURL,
		Currency:    o.PaymentCurrency,
		AmountMinor: minor,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize transaction")
	}

	if err := s.repo.AttachReference(ctx, Attempt{
		Reference:   sess.Reference,
		OrderID:     o.ID,
		AmountMinor: minor,
		Currency:    o.PaymentCurrency,
		Status:      AttemptOpen,
		CreatedAt:   s.now().UTC(),
	}); err != nil {
		if errors.Is(err, ErrAlreadyPaid) {
			return nil, err
		}
		return nil, errors.Wrap(err, "attach reference")
	}

	zctx.From(ctx).Info("Payment initialized",
		zap.String("order_id", o.ID),
		zap.String("reference", sess.Reference),
		zap.Int64("amount_minor", minor),
		zap.String("currency", o.PaymentCurrency),
	)
	return sess, nil
}

// settlePrevious reconciles the open reference before it is replaced. A
// buyer who already paid on it must not be sent to a second checkout.
func (s *Service) settlePrevious(ctx context.Context, reference string) error {
	out, err := s.Reconcile(ctx, reference, SourcePoll)
	if err != nil {
		return errors.Wrap(err, "settle previous reference")
	}
	switch {
	case out.Updated, out.AlreadyPaid:
		return ErrAlreadyPaid
	case out.Mismatch != nil:
		return mismatchError(out.Mismatch)
	}
	return nil
}

func mismatchError(m *order.Mismatch) error {
	if m.Reason == ReasonCurrency {
		return errors.Wrapf(ErrCurrencyMismatch, "reference %s reported %s", m.Reference, m.ReportedCurrency)
	}
	return errors.Wrapf(ErrAmountMismatch, "reference %s reported %s", m.Reference, m.ReportedAmount)
}

// Status returns the gateway's view of a reference without touching the
// order.
func (s *Service) Status(ctx context.Context, reference string) (*Verification, error) {
	v, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, errors.Wrap(err, "verify transaction")
	}
	return v, nil
}

// Reconcile verifies reference with the gateway and applies the result to
// its order. It is safe to call any number of times from any source: only
// one call ever performs the unpaid -> paid flip.
func (s *Service) Reconcile(ctx context.Context, reference string, source Source) (out *Outcome, err error) {
	ctx, span := s.tracer.Start(ctx, "payment.Reconcile",
		trace.WithAttributes(
			attribute.String("payment.reference", reference),
			attribute.String("payment.source", string(source)),
		),
	)
	defer func() {
		result := "error"
		if err == nil {
			result = outcomeLabel(out)
			span.AddEvent("reconciled", trace.WithAttributes(attribute.String("payment.outcome", result)))
		} else {
			span.RecordError(err)
		}
		s.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", string(source)),
			attribute.String("outcome", result),
		))
		span.End()
	}()

	lg := zctx.From(ctx).With(
		zap.String("reference", reference),
		zap.String("source", string(source)),
	)

	attempt, err := s.repo.FindAttempt(ctx, reference)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			lg.Info("Reconcile for unknown reference ignored")
			return &Outcome{OK: true}, nil
		}
		return nil, errors.Wrap(err, "find attempt")
	}

	o, err := s.orders.GetByID(ctx, attempt.OrderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			lg.Warn("Payment attempt without order", zap.String("order_id", attempt.OrderID))
			return &Outcome{OK: true}, nil
		}
		return nil, errors.Wrap(err, "get order")
	}
	lg = lg.With(zap.String("order_id", o.ID))

	if o.IsPaid() {
		return &Outcome{OK: true, OrderID: o.ID, Status: string(order.PaymentPaid), AlreadyPaid: true}, nil
	}

	v, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, errors.Wrap(err, "verify transaction")
	}

	out = &Outcome{OK: true, OrderID: o.ID, Status: v.Status}
	if !v.Succeeded() {
		lg.Info("Gateway reports payment not successful", zap.String("gateway_status", v.Status))
		return out, nil
	}

	expected := MinorUnits(o.Total)
	if reason, mismatch := s.check(attempt, o, v, expected); mismatch {
		m := order.Mismatch{
			Reason:           reason,
			Reference:        reference,
			ExpectedMinor:    expected,
			ReportedAmount:   v.Amount.String(),
			ExpectedCurrency: o.PaymentCurrency,
			ReportedCurrency: v.Currency,
			DetectedAt:       s.now().UTC(),
		}
		lg.Warn("Payment mismatch",
			zap.String("reason", reason),
			zap.Int64("expected_minor", expected),
			zap.String("reported_amount", v.Amount.String()),
			zap.String("expected_currency", o.PaymentCurrency),
			zap.String("reported_currency", v.Currency),
			zap.ByteString("payload", v.Raw),
		)
		if err := s.repo.RecordMismatch(ctx, o.ID, m); err != nil {
			return nil, errors.Wrap(err, "record mismatch")
		}
		out.Mismatch = &m
		return out, nil
	}

	updated, err := s.repo.MarkPaid(ctx, o.ID, Capture{
		Reference: reference,
		Amount:    o.Total,
		CardType:  v.CardType,
		Last4:     v.Last4,
		At:        s.now().UTC(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "mark paid")
	}
	if !updated {
		out.AlreadyPaid = true
		return out, nil
	}
	out.Updated = true

	lg.Info("Order paid", zap.String("total", o.Total.String()))
	s.notifyPaid(ctx, o)
	return out, nil
}

func (s *Service) check(a *Attempt, o *order.Order, v *Verification, expected int64) (string, bool) {
	switch {
	case a.Status == AttemptSuperseded || a.Reference != o.Reference:
		return ReasonSuperseded, true
	case !CurrencyMatches(o.PaymentCurrency, v.Currency):
		return ReasonCurrency, true
	case !AmountMatches(s.unitMode, v.Amount, expected):
		return ReasonAmount, true
	}
	return "", false
}

func (s *Service) notifyPaid(ctx context.Context, o *order.Order) {
	if s.notifier == nil {
		return
	}
	to := o.Contact()
	if to == "" {
		return
	}
	msg := notify.Message{
		Kind:    notify.KindPaymentConfirmed,
		OrderID: o.ID,
		To:      to,
		Body:    fmt.Sprintf("Payment of %s %s received for order %s.", o.Total.StringFixed(2), o.PaymentCurrency, shortID(o.ID)),
	}
	if !s.notifier.Enqueue(msg) {
		zctx.From(ctx).Warn("Payment notification dropped", zap.String("order_id", o.ID))
	}
}

func outcomeLabel(o *Outcome) string {
	switch {
	case o == nil:
		return "error"
	case o.Updated:
		return "paid"
	case o.AlreadyPaid:
		return "already_paid"
	case o.Mismatch != nil:
		return "mismatch"
	case o.OrderID == "":
		return "unknown_reference"
	default:
		return "pending"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

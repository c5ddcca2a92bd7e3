// Package payment reconciles card orders with the Lahza gateway.
package payment

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/notify"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInvalidOrderTotal  = errors.New("order total must be greater than zero")
	ErrNotCardOrder       = errors.New("order is not paid by card")
	ErrAlreadyPaid        = errors.New("order already paid")
	ErrAmountMismatch     = errors.New("reported amount does not match order total")
	ErrCurrencyMismatch   = errors.New("reported currency does not match order currency")
	ErrAttemptNotFound    = errors.New("payment attempt not found")
)

// Source identifies what triggered a reconciliation.
type Source string

const (
	SourcePoll    Source = "poll"
	SourceAdmin   Source = "admin"
	SourceWebhook Source = "webhook"
)

// Mismatch reasons stored on the order.
const (
	ReasonAmount     = "amount_mismatch"
	ReasonCurrency   = "currency_mismatch"
	ReasonSuperseded = "superseded_reference"
)

// InitializeParams is what the gateway needs to open a hosted checkout.
type InitializeParams struct {
	OrderID     string
	Email       string
	Name        string
	Mobile      string
	CallbackURL string
	Currency    string
	AmountMinor int64
}

// Session is an opened gateway checkout.
type Session struct {
	AuthorizationURL string
	Reference        string
}

// Verification is the gateway's current view of a transaction. Amount is
// kept exactly as reported; its unit is not trusted.
type Verification struct {
	Reference     string
	Status        string
	Amount        decimal.Decimal
	Currency      string
	TransactionID string
	CardType      string
	Last4         string
	Raw           []byte
}

// Succeeded reports whether the gateway considers the charge complete.
func (v *Verification) Succeeded() bool {
	return strings.EqualFold(v.Status, "success")
}

// Gateway is the outbound payment provider.
type Gateway interface {
	Initialize(ctx context.Context, p InitializeParams) (*Session, error)
	Verify(ctx context.Context, reference string) (*Verification, error)
}

// AttemptStatus tracks a single gateway reference.
type AttemptStatus string

const (
	AttemptOpen       AttemptStatus = "open"
	AttemptSuperseded AttemptStatus = "superseded"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptMismatched AttemptStatus = "mismatched"
)

// Attempt is one initialization of a gateway checkout for an order.
type Attempt struct {
	Reference   string
	OrderID     string
	AmountMinor int64
	Currency    string
	Status      AttemptStatus
	CreatedAt   time.Time
}

// Capture is the verified payment written when an order becomes paid.
type Capture struct {
	Reference string
	Amount    decimal.Decimal
	CardType  string
	Last4     string
	At        time.Time
}

// Repository persists attempts and payment state.
type Repository interface {
	// AttachReference supersedes any open attempt of the order, records a
	// as open and sets it as the order reference. Returns ErrAlreadyPaid if
	// the order was paid meanwhile.
	AttachReference(ctx context.Context, a Attempt) error
	FindAttempt(ctx context.Context, reference string) (*Attempt, error)
	// MarkPaid flips the order to paid only if it is not paid yet and
	// reports whether this call performed the flip.
	MarkPaid(ctx context.Context, orderID string, c Capture) (bool, error)
	RecordMismatch(ctx context.Context, orderID string, m order.Mismatch) error
}

// OrderReader loads orders for payment decisions.
type OrderReader interface {
	GetByID(ctx context.Context, id string) (*order.Order, error)
}

// Notifier queues buyer notifications. Enqueue must not block.
type Notifier interface {
	Enqueue(m notify.Message) bool
}

// Outcome is the result of a reconciliation.
type Outcome struct {
	OK          bool
	OrderID     string
	Status      string
	Updated     bool
	AlreadyPaid bool
	Mismatch    *order.Mismatch
}

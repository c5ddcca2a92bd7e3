package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for order creation and lifecycle.
var (
	ErrEmptyOrder        = errors.New("order has no items")
	ErrInvalidLineItem   = errors.New("invalid line item")
	ErrOutOfStock        = errors.New("out of stock")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrNotFound          = errors.New("order not found")
	ErrInvalidStatus     = errors.New("unknown order status")
	ErrInvalidTransition = errors.New("status transition not allowed")

	// ErrStatusConflict is returned when the order status changed between
	// read and the conditional write.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// LineItemError describes which requested line was rejected. It unwraps to
// ErrInvalidLineItem or ErrOutOfStock.
type LineItemError struct {
	ProductID string
	VariantID string
	Reason    string
	Err       error
}

func (e *LineItemError) Error() string {
	return fmt.Sprintf("%s: product %s variant %s: %s", e.Err, e.ProductID, e.VariantID, e.Reason)
}

func (e *LineItemError) Unwrap() error { return e.Err }

// PaymentMethod is how the buyer settles the order.
type PaymentMethod string

const (
	PaymentCOD  PaymentMethod = "cod"
	PaymentCard PaymentMethod = "card"
)

// PaymentStatus is monotonic: unpaid may become paid, never the reverse.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// Order is the authoritative monetary record of a purchase.
type Order struct {
	ID              string
	UserID          string
	Guest           *GuestInfo
	Items           []Item
	Subtotal        decimal.Decimal
	Discount        Discount
	Total           decimal.Decimal
	Address         Address
	Status          Status
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	PaymentCurrency string
	Reference       string
	StockReserved   bool
	CardType        string
	CardLast4       string
	VerifiedAmount  *decimal.Decimal
	Mismatch        *Mismatch
	PaidAt          *time.Time
	DeliveredAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Item is a denormalized snapshot of a purchased variant.
type Item struct {
	ProductID string          `json:"productId"`
	VariantID string          `json:"variantId"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	LineTotal decimal.Decimal `json:"lineTotal"`
	Color     string          `json:"color"`
	Measure   string          `json:"measure"`
}

// Discount is the order-level discount snapshot.
type Discount struct {
	Applied   bool            `json:"applied"`
	RuleID    string          `json:"ruleId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Type      string          `json:"type,omitempty"`
	Value     decimal.Decimal `json:"value"`
	Threshold decimal.Decimal `json:"threshold"`
	Amount    decimal.Decimal `json:"amount"`
}

// Address is the delivery destination.
type Address struct {
	FullName string `json:"fullName"`
	Phone    string `json:"phone"`
	City     string `json:"city"`
	Street   string `json:"street"`
	Notes    string `json:"notes,omitempty"`
}

// GuestInfo identifies a buyer without an account.
type GuestInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// Mismatch records a gateway report that disagreed with the order. The order
// stays unpaid until someone reviews it.
type Mismatch struct {
	Reason           string    `json:"reason"`
	Reference        string    `json:"reference"`
	ExpectedMinor    int64     `json:"expectedMinor"`
	ReportedAmount   string    `json:"reportedAmount"`
	ExpectedCurrency string    `json:"expectedCurrency"`
	ReportedCurrency string    `json:"reportedCurrency"`
	DetectedAt       time.Time `json:"detectedAt"`
}

// Contact returns the phone number to notify about this order.
func (o *Order) Contact() string {
	if o.Address.Phone != "" {
		return o.Address.Phone
	}
	if o.Guest != nil {
		return o.Guest.Phone
	}
	return ""
}

// IsPaid reports whether the order payment has been confirmed.
func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentPaid
}

// Repository defines persistence for orders.
type Repository interface {
	// Create inserts o. When o.StockReserved is set, stock for every line is
	// decremented in the same transaction with a conditional write; a line
	// that cannot be covered fails the whole insert with ErrOutOfStock.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	// Transition writes t only if the order is still in t.From and returns
	// the updated order. It returns ErrStatusConflict when the status moved.
	// EffectRestock only returns stock the order actually reserved.
	Transition(ctx context.Context, id string, t Transition, now time.Time) (*Order, error)
}

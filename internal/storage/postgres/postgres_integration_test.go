//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/pricing"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "storefront",
				"POSTGRES_PASSWORD": "storefront",
				"POSTGRES_DB":       "storefront",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() { _ = pg.Terminate(context.Background()) }()

	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://storefront:storefront@%s:%s/storefront?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	return m.Run()
}

func seedProduct(t *testing.T, stock int, amount int64) *catalog.Product {
	t.Helper()
	p := &catalog.Product{
		ID:        uuid.NewString(),
		Name:      "Runner",
		Category:  "shoes",
		CreatedAt: time.Now().UTC(),
		Variants: []catalog.Variant{{
			ID:      uuid.NewString(),
			Measure: "42",
			Color:   catalog.Color{Name: "Black", Code: "#000", Images: []string{"a.jpg"}},
			Price:   pricing.Price{Currency: "ILS", Amount: decimal.NewFromInt(amount)},
			Stock:   catalog.Stock{InStock: stock, SKU: "SKU-" + uuid.NewString()},
			Tags:    []string{"color:black", "measure:42"},
		}},
	}
	require.NoError(t, NewCatalogRepository(testPool).Create(context.Background(), p))
	return p
}

func newOrder(p *catalog.Product, qty int, method order.PaymentMethod) *order.Order {
	v := p.Variants[0]
	now := time.Now().UTC()
	total := v.Price.Amount.Mul(decimal.NewFromInt(int64(qty)))
	return &order.Order{
		ID: uuid.NewString(),
		Items: []order.Item{{
			ProductID: p.ID, VariantID: v.ID, Name: p.Name, SKU: v.Stock.SKU,
			Quantity: qty, UnitPrice: v.Price.Amount, LineTotal: total,
		}},
		Subtotal:        total,
		Total:           total,
		Address:         order.Address{Phone: "+970599000000", City: "Jenin"},
		Status:          order.StatusWaitingConfirmation,
		PaymentMethod:   method,
		PaymentStatus:   order.PaymentUnpaid,
		PaymentCurrency: "ILS",
		StockReserved:   true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func stockOf(t *testing.T, variantID string) int {
	t.Helper()
	lines, err := NewCatalogRepository(testPool).GetLines(context.Background(), []string{variantID})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	return lines[0].Variant.Stock.InStock
}

func TestCatalogRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewCatalogRepository(testPool)
	p := seedProduct(t, 5, 100)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Variants, 1)
	v := got.Variants[0]
	assert.True(t, decimal.NewFromInt(100).Equal(v.Price.Amount))
	assert.Nil(t, v.Price.CompareAt)
	assert.Nil(t, v.Price.Discount)
	assert.Equal(t, []string{"a.jpg"}, v.Color.Images)
	assert.Equal(t, []string{"color:black", "measure:42"}, v.Tags)

	start := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	price := v.Price
	price.Discount = &pricing.Discount{Type: pricing.DiscountPercent, Value: decimal.NewFromInt(10), StartAt: &start}
	require.NoError(t, repo.UpdatePrice(ctx, v.ID, price))
	require.NoError(t, repo.BackfillCompareAt(ctx, []string{v.ID}))

	lines, err := repo.GetLines(ctx, []string{v.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Runner", lines[0].ProductName)
	d := lines[0].Variant.Price.Discount
	require.NotNil(t, d)
	assert.Equal(t, pricing.DiscountPercent, d.Type)
	assert.True(t, start.Equal(*d.StartAt))
	require.NotNil(t, lines[0].Variant.Price.CompareAt)
	assert.True(t, decimal.NewFromInt(100).Equal(*lines[0].Variant.Price.CompareAt))
	assert.Equal(t, []string{"color:black", "measure:42"}, lines[0].Variant.Tags)

	require.ErrorIs(t, repo.UpdatePrice(ctx, "missing", price), catalog.ErrNotFound)

	dup := *p
	dup.ID = uuid.NewString()
	dup.Variants = []catalog.Variant{p.Variants[0]}
	dup.Variants[0].ID = uuid.NewString()
	require.ErrorIs(t, repo.Create(ctx, &dup), catalog.ErrDuplicateSKU)

	require.NoError(t, repo.Delete(ctx, p.ID))
	_, err = repo.GetByID(ctx, p.ID)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	lines, err = repo.GetLines(ctx, []string{v.ID})
	require.NoError(t, err)
	assert.Empty(t, lines)
	require.ErrorIs(t, repo.Delete(ctx, p.ID), catalog.ErrNotFound)
}

func TestOrderRepository_ConcurrentLastUnit(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	p := seedProduct(t, 1, 50)

	const buyers = 5
	var (
		wg   sync.WaitGroup
		errs = make([]error, buyers)
	)
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = repo.Create(ctx, newOrder(p, 1, order.PaymentCOD))
		}()
	}
	wg.Wait()

	var ok, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, order.ErrOutOfStock):
			outOfStock++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, buyers-1, outOfStock)
	assert.Equal(t, 0, stockOf(t, p.Variants[0].ID))
}

func TestOrderRepository_Transition(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	p := seedProduct(t, 3, 40)

	o := newOrder(p, 2, order.PaymentCOD)
	require.NoError(t, repo.Create(ctx, o))
	assert.Equal(t, 1, stockOf(t, p.Variants[0].ID))

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentUnpaid, got.PaymentStatus)
	assert.Empty(t, got.Reference)
	require.Len(t, got.Items, 1)
	assert.True(t, decimal.NewFromInt(80).Equal(got.Total))

	now := time.Now().UTC().Truncate(time.Microsecond)
	for _, to := range []order.Status{order.StatusPending, order.StatusOnTheWay, order.StatusDelivered} {
		tr, err := order.Plan(got.Status, to)
		require.NoError(t, err)
		got, err = repo.Transition(ctx, o.ID, tr, now)
		require.NoError(t, err)
	}
	assert.Equal(t, order.StatusDelivered, got.Status)
	assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
	require.NotNil(t, got.PaidAt)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, now.Equal(*got.DeliveredAt))

	// Stale From loses the compare-and-set.
	_, err = repo.Transition(ctx, o.ID, order.Transition{From: order.StatusOnTheWay, To: order.StatusCancelled, Effects: order.EffectRestock}, now)
	require.ErrorIs(t, err, order.ErrStatusConflict)
	assert.Equal(t, 1, stockOf(t, p.Variants[0].ID))

	_, err = repo.Transition(ctx, "missing", order.Transition{From: order.StatusPending, To: order.StatusOnTheWay}, now)
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderRepository_CancelRestocks(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	p := seedProduct(t, 3, 40)

	o := newOrder(p, 3, order.PaymentCOD)
	require.NoError(t, repo.Create(ctx, o))
	assert.Equal(t, 0, stockOf(t, p.Variants[0].ID))

	tr, err := order.Plan(order.StatusWaitingConfirmation, order.StatusCancelled)
	require.NoError(t, err)
	got, err := repo.Transition(ctx, o.ID, tr, time.Now())
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, order.PaymentUnpaid, got.PaymentStatus)
	assert.Equal(t, 3, stockOf(t, p.Variants[0].ID))
}

func TestOrderRepository_CancelWithoutReservation(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	p := seedProduct(t, 3, 40)

	o := newOrder(p, 2, order.PaymentCOD)
	o.StockReserved = false
	require.NoError(t, repo.Create(ctx, o))
	assert.Equal(t, 3, stockOf(t, p.Variants[0].ID))

	tr, err := order.Plan(order.StatusWaitingConfirmation, order.StatusCancelled)
	require.NoError(t, err)
	got, err := repo.Transition(ctx, o.ID, tr, time.Now())
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.False(t, got.StockReserved)
	assert.Equal(t, 3, stockOf(t, p.Variants[0].ID))
}

func TestPaymentRepository(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderRepository(testPool)
	repo := NewPaymentRepository(testPool)
	p := seedProduct(t, 5, 120)

	o := newOrder(p, 1, order.PaymentCard)
	require.NoError(t, orders.Create(ctx, o))

	now := time.Now().UTC()
	oldRef, newRef := "ref-"+uuid.NewString(), "ref-"+uuid.NewString()
	require.NoError(t, repo.AttachReference(ctx, payment.Attempt{Reference: oldRef, OrderID: o.ID, AmountMinor: 12000, Currency: "ILS", CreatedAt: now}))
	require.NoError(t, repo.AttachReference(ctx, payment.Attempt{Reference: newRef, OrderID: o.ID, AmountMinor: 12000, Currency: "ILS", CreatedAt: now}))

	old, err := repo.FindAttempt(ctx, oldRef)
	require.NoError(t, err)
	assert.Equal(t, payment.AttemptSuperseded, old.Status)

	cur, err := repo.FindAttempt(ctx, newRef)
	require.NoError(t, err)
	assert.Equal(t, payment.AttemptOpen, cur.Status)
	assert.Equal(t, int64(12000), cur.AmountMinor)

	byID, err := orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, newRef, byID.Reference)

	_, err = repo.FindAttempt(ctx, "missing")
	require.ErrorIs(t, err, payment.ErrAttemptNotFound)

	require.NoError(t, repo.RecordMismatch(ctx, o.ID, order.Mismatch{
		Reason: payment.ReasonSuperseded, Reference: oldRef, ExpectedMinor: 12000, ReportedAmount: "12000", DetectedAt: now,
	}))
	got, err := orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Mismatch)
	assert.Equal(t, payment.ReasonSuperseded, got.Mismatch.Reason)
	assert.Equal(t, order.PaymentUnpaid, got.PaymentStatus)

	capture := payment.Capture{Reference: newRef, Amount: decimal.NewFromInt(120), CardType: "visa", Last4: "4242", At: now}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		flipped int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.MarkPaid(ctx, o.ID, capture)
			if assert.NoError(t, err) && ok {
				mu.Lock()
				flipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, flipped)

	got, err = orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
	assert.Nil(t, got.Mismatch)
	assert.Equal(t, "4242", got.CardLast4)
	require.NotNil(t, got.VerifiedAmount)
	assert.True(t, decimal.NewFromInt(120).Equal(*got.VerifiedAmount))

	settled, err := repo.FindAttempt(ctx, newRef)
	require.NoError(t, err)
	assert.Equal(t, payment.AttemptSucceeded, settled.Status)

	err = repo.AttachReference(ctx, payment.Attempt{Reference: "ref-" + uuid.NewString(), OrderID: o.ID, CreatedAt: now})
	require.ErrorIs(t, err, payment.ErrAlreadyPaid)

	err = repo.AttachReference(ctx, payment.Attempt{Reference: "ref-" + uuid.NewString(), OrderID: "missing", CreatedAt: now})
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestRuleRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRuleRepository(testPool)
	now := time.Now().UTC()

	r := &discount.Rule{
		ID: uuid.NewString(), Name: "10% over 100", Threshold: decimal.NewFromInt(100),
		Type: discount.TypePercent, Value: decimal.NewFromInt(10), IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, repo.Create(ctx, r))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.True(t, containsRule(active, r.ID))

	r.IsActive = false
	require.NoError(t, repo.Update(ctx, r))
	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	assert.False(t, containsRule(active, r.ID))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.True(t, containsRule(all, r.ID))

	require.NoError(t, repo.Delete(ctx, r.ID))
	require.ErrorIs(t, repo.Delete(ctx, r.ID), discount.ErrNotFound)
	require.ErrorIs(t, repo.Update(ctx, r), discount.ErrNotFound)
}

func TestAPIKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAPIKeyRepository(testPool)
	hash := auth.HashAPIKey([]byte("pepper"), "key-"+uuid.NewString())

	require.NoError(t, repo.Upsert(ctx, auth.APIKeyInfo{ID: uuid.NewString(), KeyHash: hash, Name: "ops", Scopes: []string{"admin"}}))
	info, err := repo.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, info.Scopes)

	_, err = repo.FindByHash(ctx, "deadbeef")
	require.Error(t, err)
}

func containsRule(rules []discount.Rule, id string) bool {
	for _, r := range rules {
		if r.ID == id {
			return true
		}
	}
	return false
}

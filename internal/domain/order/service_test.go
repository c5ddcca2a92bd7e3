package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/pricing"
	"github.com/xenking/storefront/internal/notify"
)

// --- Mock implementations ---

type mockCatalogRepo struct {
	catalog.Repository

	lines  map[string]catalog.Line
	getErr error
}

func (m *mockCatalogRepo) GetLines(_ context.Context, ids []string) ([]catalog.Line, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []catalog.Line
	for _, id := range ids {
		if l, ok := m.lines[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

type staticResolver struct {
	rules []discount.Rule
	err   error
}

func (r *staticResolver) Resolve(_ context.Context, subtotal decimal.Decimal, now time.Time) (*discount.Applied, error) {
	if r.err != nil {
		return nil, r.err
	}
	return discount.Resolve(r.rules, subtotal, now), nil
}

// memOrderRepo keeps orders in memory and reserves stock against a shared
// map under a mutex, mirroring the conditional decrement in storage.
type memOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]*Order
	stock     map[string]int
	createErr error
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[string]*Order), stock: make(map[string]int)}
}

func (m *memOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if o.StockReserved {
		for _, it := range o.Items {
			if m.stock[it.VariantID] < it.Quantity {
				return ErrOutOfStock
			}
		}
		for _, it := range o.Items {
			m.stock[it.VariantID] -= it.Quantity
		}
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memOrderRepo) GetByID(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrderRepo) Transition(_ context.Context, id string, t Transition, now time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != t.From {
		return nil, ErrStatusConflict
	}
	t.Apply(o, now)
	if t.Has(EffectRestock) && o.StockReserved {
		for _, it := range o.Items {
			m.stock[it.VariantID] += it.Quantity
		}
	}
	cp := *o
	return &cp, nil
}

// --- Helpers ---

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newLine(productID, variantID, name string, amount int64, inStock int) catalog.Line {
	return catalog.Line{
		ProductName: name,
		Variant: catalog.Variant{
			ID:        variantID,
			ProductID: productID,
			Measure:   "42",
			Color:     catalog.Color{Name: "Black"},
			Price:     pricing.Price{Currency: "ILS", Amount: decimal.NewFromInt(amount)},
			Stock:     catalog.Stock{InStock: inStock, SKU: "SKU-" + variantID},
		},
	}
}

func newCatalog(lines ...catalog.Line) *mockCatalogRepo {
	m := &mockCatalogRepo{lines: make(map[string]catalog.Line, len(lines))}
	for _, l := range lines {
		m.lines[l.Variant.ID] = l
	}
	return m
}

func tenPercentOver100() *staticResolver {
	return &staticResolver{rules: []discount.Rule{{
		ID:        "r10",
		Name:      "10% over 100",
		Threshold: decimal.NewFromInt(100),
		Type:      discount.TypePercent,
		Value:     decimal.NewFromInt(10),
		IsActive:  true,
	}}}
}

var testAddress = Address{FullName: "Lina", Phone: "+970599000000", City: "Ramallah", Street: "Main 1"}

func newTestService(c *mockCatalogRepo, r RuleResolver, repo *memOrderRepo) *Service {
	svc := NewService(NewAssembler(c, r, true), repo, true)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

// --- Assembler tests ---

func TestAssemble_EmptyOrder(t *testing.T) {
	a := NewAssembler(newCatalog(), &staticResolver{}, true)
	_, err := a.Assemble(context.Background(), nil, nil, fixedNow)
	require.ErrorIs(t, err, ErrEmptyOrder)
}

func TestAssemble_SubtotalDiscountTotal(t *testing.T) {
	a := NewAssembler(newCatalog(newLine("p1", "v1", "Runner", 50, 10)), tenPercentOver100(), true)

	asm, err := a.Assemble(context.Background(), []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 4}}, nil, fixedNow)
	require.NoError(t, err)

	assert.True(t, decimal.NewFromInt(200).Equal(asm.Subtotal))
	assert.True(t, asm.Discount.Applied)
	assert.Equal(t, "r10", asm.Discount.RuleID)
	assert.True(t, decimal.NewFromInt(20).Equal(asm.Discount.Amount))
	assert.True(t, decimal.NewFromInt(180).Equal(asm.Total))
	assert.Equal(t, "ILS", asm.Currency)

	require.Len(t, asm.Items, 1)
	it := asm.Items[0]
	assert.Equal(t, "Runner", it.Name)
	assert.Equal(t, "SKU-v1", it.SKU)
	assert.Equal(t, "Black", it.Color)
	assert.Equal(t, "42", it.Measure)
	assert.True(t, decimal.NewFromInt(200).Equal(it.LineTotal))
}

func TestAssemble_UsesDerivedUnitPrice(t *testing.T) {
	l := newLine("p1", "v1", "Runner", 100, 10)
	l.Variant.Price.Discount = &pricing.Discount{Type: pricing.DiscountPercent, Value: decimal.NewFromInt(25)}
	a := NewAssembler(newCatalog(l), &staticResolver{}, true)

	asm, err := a.Assemble(context.Background(), []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 2}}, nil, fixedNow)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(75).Equal(asm.Items[0].UnitPrice))
	assert.True(t, decimal.NewFromInt(150).Equal(asm.Subtotal))

	// Once the discount window closes the same request prices at base.
	past := fixedNow.Add(-time.Hour)
	l.Variant.Price.Discount.EndAt = &past
	a = NewAssembler(newCatalog(l), &staticResolver{}, true)
	asm, err = a.Assemble(context.Background(), []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 2}}, nil, fixedNow)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(200).Equal(asm.Subtotal))
}

func TestAssemble_ClaimNeverWins(t *testing.T) {
	a := NewAssembler(newCatalog(newLine("p1", "v1", "Runner", 50, 10)), tenPercentOver100(), true)
	req := []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 4}}

	claims := []*DiscountClaim{
		{RuleID: "r10", Type: "fixed", Value: decimal.NewFromInt(200), Amount: decimal.NewFromInt(200)},
		{RuleID: "forged", Type: "percent", Value: decimal.NewFromInt(90), Amount: decimal.NewFromInt(180)},
		{RuleID: "", Amount: decimal.NewFromInt(-50)},
	}
	for _, claim := range claims {
		asm, err := a.Assemble(context.Background(), req, claim, fixedNow)
		require.NoError(t, err)
		assert.Equal(t, "r10", asm.Discount.RuleID)
		assert.Equal(t, "percent", asm.Discount.Type)
		assert.True(t, decimal.NewFromInt(20).Equal(asm.Discount.Amount))
		assert.True(t, decimal.NewFromInt(180).Equal(asm.Total))
	}
}

func TestAssemble_ClaimWhenNoRuleApplies(t *testing.T) {
	a := NewAssembler(newCatalog(newLine("p1", "v1", "Runner", 50, 10)), tenPercentOver100(), true)

	asm, err := a.Assemble(context.Background(),
		[]LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 1}},
		&DiscountClaim{RuleID: "r10", Amount: decimal.NewFromInt(5)},
		fixedNow,
	)
	require.NoError(t, err)
	assert.False(t, asm.Discount.Applied)
	assert.True(t, asm.Discount.Amount.IsZero())
	assert.True(t, decimal.NewFromInt(50).Equal(asm.Total))
}

func TestAssemble_InvalidLineItems(t *testing.T) {
	a := NewAssembler(newCatalog(
		newLine("p1", "v1", "Runner", 50, 10),
		func() catalog.Line {
			l := newLine("p2", "v2", "Cap", 20, 10)
			l.Variant.Price.Currency = "USD"
			return l
		}(),
	), &staticResolver{}, true)

	tests := []struct {
		name string
		req  []LineRequest
	}{
		{"unknown variant", []LineRequest{{ProductID: "p1", VariantID: "nope", Quantity: 1}}},
		{"variant of another product", []LineRequest{{ProductID: "p2", VariantID: "v1", Quantity: 1}}},
		{"zero quantity", []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 0}}},
		{"missing ids", []LineRequest{{Quantity: 1}}},
		{"mixed currency", []LineRequest{
			{ProductID: "p1", VariantID: "v1", Quantity: 1},
			{ProductID: "p2", VariantID: "v2", Quantity: 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Assemble(context.Background(), tt.req, nil, fixedNow)
			require.ErrorIs(t, err, ErrInvalidLineItem)
			var liErr *LineItemError
			require.ErrorAs(t, err, &liErr)
		})
	}
}

func TestAssemble_OutOfStock(t *testing.T) {
	a := NewAssembler(newCatalog(newLine("p1", "v1", "Runner", 50, 2)), &staticResolver{}, true)

	// Two lines for the same variant are checked against combined quantity.
	_, err := a.Assemble(context.Background(), []LineRequest{
		{ProductID: "p1", VariantID: "v1", Quantity: 2},
		{ProductID: "p1", VariantID: "v1", Quantity: 1},
	}, nil, fixedNow)
	require.ErrorIs(t, err, ErrOutOfStock)

	// Without stock enforcement the same request passes.
	a = NewAssembler(newCatalog(newLine("p1", "v1", "Runner", 50, 2)), &staticResolver{}, false)
	asm, err := a.Assemble(context.Background(), []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 3}}, nil, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 3, asm.Items[0].Quantity)
}

func TestAssemble_ResolverError(t *testing.T) {
	a := NewAssembler(newCatalog(newLine("p1", "v1", "Runner", 50, 2)), &staticResolver{err: errors.New("db down")}, true)
	_, err := a.Assemble(context.Background(), []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 1}}, nil, fixedNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve discount")
}

// --- Service tests ---

func TestPlaceCOD(t *testing.T) {
	repo := newMemOrderRepo()
	repo.stock["v1"] = 10
	svc := newTestService(newCatalog(newLine("p1", "v1", "Runner", 50, 10)), tenPercentOver100(), repo)

	o, err := svc.PlaceCOD(context.Background(), PlaceRequest{
		Address: testAddress,
		Items:   []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 4}},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, PaymentCOD, o.PaymentMethod)
	assert.Equal(t, PaymentUnpaid, o.PaymentStatus)
	assert.Equal(t, StatusWaitingConfirmation, o.Status)
	assert.Empty(t, o.Reference)
	assert.True(t, decimal.NewFromInt(180).Equal(o.Total))
	assert.Equal(t, 6, repo.stock["v1"])
}

func TestPrepareCard(t *testing.T) {
	repo := newMemOrderRepo()
	repo.stock["v1"] = 10
	svc := newTestService(newCatalog(newLine("p1", "v1", "Runner", 50, 10)), &staticResolver{}, repo)

	o, err := svc.PrepareCard(context.Background(), PlaceRequest{
		Address: testAddress,
		Items:   []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, PaymentCard, o.PaymentMethod)
	assert.Equal(t, PaymentUnpaid, o.PaymentStatus)
	assert.Empty(t, o.Reference)
}

func TestPlace_InvalidAddress(t *testing.T) {
	svc := newTestService(newCatalog(), &staticResolver{}, newMemOrderRepo())
	_, err := svc.PlaceCOD(context.Background(), PlaceRequest{Items: []LineRequest{{ProductID: "p", VariantID: "v", Quantity: 1}}})
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestPlace_ConcurrentLastUnit(t *testing.T) {
	repo := newMemOrderRepo()
	repo.stock["v1"] = 1
	svc := newTestService(newCatalog(newLine("p1", "v1", "Runner", 50, 1)), &staticResolver{}, repo)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.PlaceCOD(context.Background(), PlaceRequest{
				Address: testAddress,
				Items:   []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 1}},
			})
		}()
	}
	wg.Wait()

	var ok, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOutOfStock):
			outOfStock++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)
	assert.Equal(t, 0, repo.stock["v1"])
}

func TestPlace_CreateError(t *testing.T) {
	repo := newMemOrderRepo()
	repo.createErr = errors.New("db write failed")
	svc := newTestService(newCatalog(newLine("p1", "v1", "Runner", 50, 1)), &staticResolver{}, repo)

	_, err := svc.PlaceCOD(context.Background(), PlaceRequest{
		Address: testAddress,
		Items:   []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create order")
}

func TestUpdateStatus_DeliveredMarksCODPaid(t *testing.T) {
	repo := newMemOrderRepo()
	repo.stock["v1"] = 5
	svc := newTestService(newCatalog(newLine("p1", "v1", "Runner", 50, 5)), &staticResolver{}, repo)
	ctx := context.Background()

	o, err := svc.PlaceCOD(ctx, PlaceRequest{
		Address: testAddress,
		Items:   []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 1}},
	})
	require.NoError(t, err)

	for _, to := range []Status{StatusPending, StatusOnTheWay} {
		o, err = svc.UpdateStatus(ctx, o.ID, to)
		require.NoError(t, err)
		assert.Equal(t, PaymentUnpaid, o.PaymentStatus)
	}

	o, err = svc.UpdateStatus(ctx, o.ID, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, o.Status)
	assert.Equal(t, PaymentPaid, o.PaymentStatus)
	require.NotNil(t, o.DeliveredAt)

	// Repeating the request is a no-op.
	again, err := svc.UpdateStatus(ctx, o.ID, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, *o.DeliveredAt, *again.DeliveredAt)

	_, err = svc.UpdateStatus(ctx, o.ID, StatusCancelled)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStatus_CancelRestocks(t *testing.T) {
	repo := newMemOrderRepo()
	repo.stock["v1"] = 3
	svc := newTestService(newCatalog(newLine("p1", "v1", "Runner", 50, 3)), &staticResolver{}, repo)
	ctx := context.Background()

	o, err := svc.PlaceCOD(ctx, PlaceRequest{
		Address: testAddress,
		Items:   []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 2}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, repo.stock["v1"])

	_, err = svc.UpdateStatus(ctx, o.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 3, repo.stock["v1"])
}

func TestUpdateStatus_CancelWithoutReservationKeepsStock(t *testing.T) {
	repo := newMemOrderRepo()
	repo.stock["v1"] = 3
	c := newCatalog(newLine("p1", "v1", "Runner", 50, 3))
	svc := NewService(NewAssembler(c, &staticResolver{}, false), repo, false)
	svc.now = func() time.Time { return fixedNow }
	ctx := context.Background()

	o, err := svc.PlaceCOD(ctx, PlaceRequest{
		Address: testAddress,
		Items:   []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.False(t, o.StockReserved)
	require.Equal(t, 3, repo.stock["v1"])

	_, err = svc.UpdateStatus(ctx, o.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 3, repo.stock["v1"])
}

func TestUpdateStatus_NotFound(t *testing.T) {
	svc := newTestService(newCatalog(), &staticResolver{}, newMemOrderRepo())
	_, err := svc.UpdateStatus(context.Background(), "missing", StatusPending)
	require.ErrorIs(t, err, ErrNotFound)
}

type queue struct{ msgs []notify.Message }

func (q *queue) Enqueue(m notify.Message) bool {
	q.msgs = append(q.msgs, m)
	return true
}

func TestUpdateStatus_NotifiesBuyer(t *testing.T) {
	repo := newMemOrderRepo()
	repo.stock["v1"] = 2
	svc := newTestService(newCatalog(newLine("p1", "v1", "Runner", 50, 2)), &staticResolver{}, repo)
	q := &queue{}
	svc.SetNotifier(q)
	ctx := context.Background()

	o, err := svc.PlaceCOD(ctx, PlaceRequest{
		Address: testAddress,
		Items:   []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, o.ID, StatusPending)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, o.ID, StatusPending)
	require.NoError(t, err)

	require.Len(t, q.msgs, 1, "no-op transitions stay silent")
	assert.Equal(t, notify.KindOrderStatus, q.msgs[0].Kind)
	assert.Equal(t, testAddress.Phone, q.msgs[0].To)
	assert.Contains(t, q.msgs[0].Body, "is now pending")
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	repo.SetProduct(domain.Product{ID: "p-a", SKU: "SKU-A", Name: "Item A", Price: decimal.RequireFromString("200.00"), Stock: 10, Active: true})
	repo.SetProduct(domain.Product{ID: "p-b", SKU: "SKU-B", Name: "Item B", Price: decimal.RequireFromString("150.00"), Stock: 10, Active: true})
	repo.SetProduct(domain.Product{ID: "p-low", SKU: "SKU-LOW", Name: "Low Stock", Price: decimal.RequireFromString("10.00"), Stock: 5, Active: true})

	svc := New(repo, nil, zerolog.Nop(), decimal.RequireFromString("0.10"), time.Second)
	return svc, repo
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "cashier1", Name: "Front Cashier", Role: "cashier"})
}

func TestFinalizeSaleCashWithChange(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.FinalizeSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod:  domain.PaymentCash,
		UserID:         "cashier1",
		AmountTendered: decimal.RequireFromString("700.00"),
		Items: []domain.SaleItemRequest{
			{ProductID: "p-a", Quantity: 2},
			{ProductID: "p-b", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if !resp.Sale.TaxAmount.Equal(decimal.RequireFromString("55.00")) {
		t.Fatalf("tax = %s, want 55.00", resp.Sale.TaxAmount)
	}
	if !resp.Sale.TotalAmount.Equal(decimal.RequireFromString("605.00")) {
		t.Fatalf("total = %s, want 605.00", resp.Sale.TotalAmount)
	}
	if !resp.Change.Equal(decimal.RequireFromString("95.00")) {
		t.Fatalf("change = %s, want 95.00", resp.Change)
	}
}

func TestFinalizeSaleInsufficientPayment(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.FinalizeSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod:  domain.PaymentCash,
		UserID:         "cashier1",
		AmountTendered: decimal.RequireFromString("500.00"),
		Items: []domain.SaleItemRequest{
			{ProductID: "p-a", Quantity: 2},
			{ProductID: "p-b", Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}

	// Rejected payment must not touch stock.
	product, err := repo.GetProductByID(context.Background(), "p-a")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 10 {
		t.Fatalf("stock = %d after rejected payment, want 10", product.Stock)
	}
}

func TestFinalizeSaleDecrementsStock(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.FinalizeSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod:  domain.PaymentCash,
		UserID:         "cashier1",
		AmountTendered: decimal.RequireFromString("100.00"),
		Items: []domain.SaleItemRequest{
			{ProductID: "p-low", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	product, err := repo.GetProductByID(context.Background(), "p-low")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("stock = %d, want 2", product.Stock)
	}
}

func TestFinalizeSaleInsufficientStock(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.FinalizeSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod:  domain.PaymentCash,
		UserID:         "cashier1",
		AmountTendered: decimal.RequireFromString("100.00"),
		Items: []domain.SaleItemRequest{
			{ProductID: "p-low", Quantity: 6},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	product, err := repo.GetProductByID(context.Background(), "p-low")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 5 {
		t.Fatalf("stock = %d after failed sale, want 5", product.Stock)
	}

	sales, err := svc.ListSales(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("expected no recorded sales, got %d", len(sales))
	}
}

func TestFinalizeSaleIdempotency(t *testing.T) {
	svc, repo := newTestService(t)

	req := domain.CreateSaleRequest{
		PaymentMethod:  domain.PaymentCash,
		UserID:         "cashier1",
		IdempotencyKey: "idem-test-1",
		AmountTendered: decimal.RequireFromString("100.00"),
		Items: []domain.SaleItemRequest{
			{ProductID: "p-low", Quantity: 2},
		},
	}

	first, err := svc.FinalizeSale(cashierCtx(), req)
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	second, err := svc.FinalizeSale(cashierCtx(), req)
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	if first.SaleID != second.SaleID {
		t.Fatalf("replay produced a new sale: %s vs %s", first.SaleID, second.SaleID)
	}

	product, err := repo.GetProductByID(context.Background(), "p-low")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 3 {
		t.Fatalf("stock = %d, want 3 (decremented once)", product.Stock)
	}
}

func TestFinalizeSaleCardValidation(t *testing.T) {
	svc, _ := newTestService(t)

	base := domain.CreateSaleRequest{
		PaymentMethod: domain.PaymentCard,
		UserID:        "cashier1",
		Items: []domain.SaleItemRequest{
			{ProductID: "p-a", Quantity: 1},
		},
	}

	missing := base
	_, err := svc.FinalizeSale(cashierCtx(), missing)
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing card, got %v", err)
	}

	expired := base
	expired.Card = &domain.CardDetails{Number: "4242424242424242", Expiry: "01/20", CVV: "123"}
	_, err = svc.FinalizeSale(cashierCtx(), expired)
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for expired card, got %v", err)
	}

	valid := base
	valid.Card = &domain.CardDetails{Number: "4242 4242 4242 4242", Expiry: "12/39", CVV: "123"}
	resp, err := svc.FinalizeSale(cashierCtx(), valid)
	if err != nil {
		t.Fatalf("valid card finalize: %v", err)
	}
	if !resp.Change.IsZero() {
		t.Fatalf("card payment change = %s, want 0", resp.Change)
	}
}

func TestFinalizeSaleUnknownPaymentMethod(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.FinalizeSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "barter",
		UserID:        "cashier1",
		Items:         []domain.SaleItemRequest{{ProductID: "p-a", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestHoldAndRecallRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()

	held, err := svc.Hold(ctx, domain.HoldRequest{
		CashierID: "cashier1",
		Note:      "customer forgot wallet",
		Items: []domain.SaleItemRequest{
			{ProductID: "p-a", Quantity: 2},
			{ProductID: "p-b", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if held.HoldID == "" {
		t.Fatal("hold id not assigned")
	}
	if !held.Total.Equal(decimal.RequireFromString("605.00")) {
		t.Fatalf("held total = %s, want 605.00", held.Total)
	}

	recalled, err := svc.Recall(ctx, held.HoldID)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(recalled.Items) != 2 {
		t.Fatalf("recalled %d lines, want 2", len(recalled.Items))
	}
	if !recalled.Total.Equal(held.Total) {
		t.Fatalf("recalled total %s != held total %s", recalled.Total, held.Total)
	}

	// A hold can only be recalled once.
	if _, err := svc.Recall(ctx, held.HoldID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second recall, got %v", err)
	}
}

func TestHoldEmptyCart(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Hold(cashierCtx(), domain.HoldRequest{CashierID: "cashier1"})
	if !errors.Is(err, store.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestListHeldFiltersByCashier(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()

	if _, err := svc.Hold(ctx, domain.HoldRequest{
		CashierID: "cashier1",
		Items:     []domain.SaleItemRequest{{ProductID: "p-a", Quantity: 1}},
	}); err != nil {
		t.Fatalf("hold cashier1: %v", err)
	}
	if _, err := svc.Hold(ctx, domain.HoldRequest{
		CashierID: "cashier2",
		Items:     []domain.SaleItemRequest{{ProductID: "p-b", Quantity: 1}},
	}); err != nil {
		t.Fatalf("hold cashier2: %v", err)
	}

	mine, err := svc.ListHeld(ctx, "cashier1", 0)
	if err != nil {
		t.Fatalf("list held: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("expected 1 hold for cashier1, got %d", len(mine))
	}

	all, err := svc.ListHeld(ctx, "", 0)
	if err != nil {
		t.Fatalf("list all held: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 holds total, got %d", len(all))
	}
}

func TestDeleteHeld(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()

	held, err := svc.Hold(ctx, domain.HoldRequest{
		CashierID: "cashier1",
		Items:     []domain.SaleItemRequest{{ProductID: "p-a", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	if err := svc.DeleteHeld(ctx, held.HoldID); err != nil {
		t.Fatalf("delete held: %v", err)
	}
	if err := svc.DeleteHeld(ctx, held.HoldID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListProductsUsesSeededCatalog(t *testing.T) {
	svc, _ := newTestService(t)

	products, err := svc.ListProducts(context.Background())
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) == 0 {
		t.Fatal("expected seeded products")
	}
	for _, p := range products {
		if !p.Active {
			t.Fatalf("inactive product %s in catalog listing", p.ID)
		}
	}
}

// repricingRepo changes a product's price between the service's catalog read
// and the sale transaction, the way a concurrent price update would.
type repricingRepo struct {
	*memory.Store
	productID string
	newPrice  decimal.Decimal
}

func (r *repricingRepo) CreateSale(ctx context.Context, sale domain.Sale, lines []domain.CartLine, taxRate, tendered decimal.Decimal) (*domain.Sale, error) {
	r.SetProduct(domain.Product{ID: r.productID, SKU: "SKU-A", Name: "Item A", Price: r.newPrice, Stock: 10, Active: true})
	return r.Store.CreateSale(ctx, sale, lines, taxRate, tendered)
}

func TestFinalizeSaleChangeUsesPersistedTotal(t *testing.T) {
	repo := memory.NewSeeded()
	repo.SetProduct(domain.Product{ID: "p-a", SKU: "SKU-A", Name: "Item A", Price: decimal.RequireFromString("200.00"), Stock: 10, Active: true})
	wrapped := &repricingRepo{Store: repo, productID: "p-a", newPrice: decimal.RequireFromString("150.00")}
	svc := New(wrapped, nil, zerolog.Nop(), decimal.RequireFromString("0.10"), time.Second)

	resp, err := svc.FinalizeSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod:  domain.PaymentCash,
		UserID:         "cashier1",
		AmountTendered: decimal.RequireFromString("250.00"),
		Items:          []domain.SaleItemRequest{{ProductID: "p-a", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// The store saw the lower price, so the persisted total is 165.00 and the
	// change must follow it, not the 220.00 computed before the transaction.
	if !resp.Sale.TotalAmount.Equal(decimal.RequireFromString("165.00")) {
		t.Fatalf("total = %s, want 165.00", resp.Sale.TotalAmount)
	}
	if !resp.Change.Equal(decimal.RequireFromString("85.00")) {
		t.Fatalf("change = %s, want 85.00", resp.Change)
	}
}

func TestFinalizeSaleCashShortAfterRepricing(t *testing.T) {
	repo := memory.NewSeeded()
	repo.SetProduct(domain.Product{ID: "p-a", SKU: "SKU-A", Name: "Item A", Price: decimal.RequireFromString("200.00"), Stock: 10, Active: true})
	wrapped := &repricingRepo{Store: repo, productID: "p-a", newPrice: decimal.RequireFromString("300.00")}
	svc := New(wrapped, nil, zerolog.Nop(), decimal.RequireFromString("0.10"), time.Second)

	// 250.00 covers the 220.00 total the service computes, but not the 330.00
	// the store recomputes after the price change. The transaction must refuse
	// the sale rather than persist it with short payment.
	_, err := svc.FinalizeSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod:  domain.PaymentCash,
		UserID:         "cashier1",
		AmountTendered: decimal.RequireFromString("250.00"),
		Items:          []domain.SaleItemRequest{{ProductID: "p-a", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}

	sales, err := repo.ListSales(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("expected no persisted sale, got %d", len(sales))
	}
}

package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"tillpoint/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrOutOfStock          = errors.New("out of stock")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrValidation          = errors.New("invalid request")
	ErrDuplicateSale       = errors.New("duplicate sale")
	ErrDuplicateHold       = errors.New("duplicate hold")
)

// SaleFailedError reports which write step of a finalization failed. The
// underlying transaction has been rolled back by the time it is returned.
type SaleFailedError struct {
	Step string
	Err  error
}

func (e *SaleFailedError) Error() string {
	return "sale failed at " + e.Step + ": " + e.Err.Error()
}

func (e *SaleFailedError) Unwrap() error { return e.Err }

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)

	// CreateSale persists the sale header, its items and the per-line stock
	// decrements as one atomic unit. It recomputes all amounts from current
	// catalog prices; client-supplied totals on the sale are ignored. For cash
	// sales, tendered is checked against the recomputed total inside the same
	// transaction so a concurrent price change cannot leave the payment short.
	CreateSale(ctx context.Context, sale domain.Sale, lines []domain.CartLine, taxRate, tendered decimal.Decimal) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)

	CreateHeldTransaction(ctx context.Context, held domain.HeldTransaction) (*domain.HeldTransaction, error)
	GetHeldTransaction(ctx context.Context, holdID string) (*domain.HeldTransaction, error)
	ListHeldTransactions(ctx context.Context, cashierID string, limit int) ([]domain.HeldTransaction, error)
	// PopHeldTransaction reads and deletes the record in one transaction so two
	// terminals recalling the same id cannot both take ownership.
	PopHeldTransaction(ctx context.Context, holdID string) (*domain.HeldTransaction, error)
	DeleteHeldTransaction(ctx context.Context, holdID string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error

	GetUserByID(ctx context.Context, userID string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

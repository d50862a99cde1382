package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts are plain JSON numbers on the wire, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

type Product struct {
	ID     string          `json:"id"`
	SKU    string          `json:"sku"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Stock  int             `json:"stock"`
	Active bool            `json:"active"`
}

// CartLine is one product entry in a cart, priced at the moment it was added.
type CartLine struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	Discount  decimal.Decimal `json:"discount"`
}

// Totals are derived values, always recomputed from the lines and never stored.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// HeldTransaction is a parked cart snapshot. It and the live cart are mutually
// exclusive: recall deletes the record and hands the snapshot back to the caller.
type HeldTransaction struct {
	HoldID      string          `json:"holdId"`
	CashierID   string          `json:"cashierId"`
	CashierName string          `json:"cashierName,omitempty"`
	Items       []CartLine      `json:"items"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
	Note        string          `json:"note"`
	CreatedAt   time.Time       `json:"createdAt"`
}

const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentMobile = "mobile"
	PaymentQR     = "qr"
)

// Sale is immutable once created.
type Sale struct {
	ID             string          `json:"id"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	PaymentMethod  string          `json:"paymentMethod"`
	UserID         string          `json:"userId"`
	CustomerID     string          `json:"customerId,omitempty"`
	Notes          string          `json:"notes"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	Items          []SaleItem      `json:"items,omitempty"`
}

type SaleItem struct {
	SaleID    string          `json:"saleId"`
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	ItemTotal decimal.Decimal `json:"itemTotal"`
}

type SaleItemRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	ItemTotal decimal.Decimal `json:"item_total"`
	Discount  decimal.Decimal `json:"discount"`
}

// CreateSaleRequest is the POST /api/sales body. Client-echoed amounts are
// accepted for display reconciliation but totals are always recomputed
// server-side from catalog prices.
type CreateSaleRequest struct {
	TotalAmount    decimal.Decimal   `json:"totalAmount"`
	DiscountAmount decimal.Decimal   `json:"discountAmount"`
	TaxAmount      decimal.Decimal   `json:"taxAmount"`
	PaymentMethod  string            `json:"paymentMethod" validate:"required,oneof=cash card mobile qr"`
	UserID         string            `json:"userId" validate:"required"`
	CustomerID     string            `json:"customerId"`
	Notes          string            `json:"notes"`
	IdempotencyKey string            `json:"idempotencyKey"`
	AmountTendered decimal.Decimal   `json:"amountTendered"`
	Card           *CardDetails      `json:"card,omitempty"`
	Items          []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
}

// CardDetails carries format-validated card fields. No authorization happens
// here; an external terminal completes the payment.
type CardDetails struct {
	Number string `json:"number" validate:"required"`
	Expiry string `json:"expiry" validate:"required"`
	CVV    string `json:"cvv" validate:"required"`
}

type CreateSaleResponse struct {
	Message string          `json:"message"`
	SaleID  string          `json:"saleId"`
	Change  decimal.Decimal `json:"change"`
	Sale    *Sale           `json:"sale,omitempty"`
}

type HoldRequest struct {
	HoldID    string            `json:"holdId"`
	CashierID string            `json:"cashierId" validate:"required"`
	Note      string            `json:"note"`
	Subtotal  decimal.Decimal   `json:"subtotal"`
	Tax       decimal.Decimal   `json:"tax"`
	Total     decimal.Decimal   `json:"total"`
	Items     []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
}

type HoldResponse struct {
	Success bool            `json:"success"`
	Data    HeldTransaction `json:"data"`
}

type HeldListResponse struct {
	Success bool              `json:"success"`
	Data    []HeldTransaction `json:"data"`
}

type LoginRequest struct {
	UserID   string `json:"userId" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type VerifyRequest struct {
	Token string `json:"token" validate:"required"`
}

// UserInfo is the public view of an account, embedded in auth responses.
type UserInfo struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type LoginResponse struct {
	Success   bool     `json:"success"`
	User      UserInfo `json:"user"`
	Token     string   `json:"token"`
	ExpiresAt string   `json:"expiresAt"`
}

type VerifyResponse struct {
	Success bool     `json:"success"`
	User    UserInfo `json:"user"`
}

// Actor is the authenticated cashier attached to a request context.
type Actor struct {
	UserID string
	Name   string
	Role   string
}

// UserAccount is the persistence model for auth credentials.
type UserAccount struct {
	UserID    string
	Name      string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	EntityID  string    `json:"entity_id"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Package cart implements the working set of line items for one terminal
// session and derives monetary totals from it. A Cart is not safe for
// concurrent use: one cashier drives one cart at a time.
package cart

import (
	"github.com/shopspring/decimal"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

type Cart struct {
	lines    []domain.CartLine
	index    map[string]int
	tendered decimal.Decimal
}

func New() *Cart {
	return &Cart{index: make(map[string]int)}
}

// AddItem inserts a line for the product or increments an existing one. The
// requested quantity is checked against the product's available stock at the
// time of the call.
func (c *Cart) AddItem(product domain.Product, qty int) error {
	if qty < 1 {
		qty = 1
	}
	if product.Stock <= 0 {
		return store.ErrOutOfStock
	}

	existing := 0
	if i, ok := c.index[product.ID]; ok {
		existing = c.lines[i].Quantity
	}
	if existing+qty > product.Stock {
		return store.ErrInsufficientStock
	}

	if i, ok := c.index[product.ID]; ok {
		c.lines[i].Quantity += qty
		return nil
	}
	c.index[product.ID] = len(c.lines)
	c.lines = append(c.lines, domain.CartLine{
		ProductID: product.ID,
		Name:      product.Name,
		UnitPrice: product.Price,
		Quantity:  qty,
	})
	return nil
}

// SetQuantity replaces a line's quantity. Zero or negative removes the line.
// On ErrInsufficientStock the cart is left unchanged.
func (c *Cart) SetQuantity(product domain.Product, qty int) error {
	if qty <= 0 {
		c.RemoveItem(product.ID)
		return nil
	}
	i, ok := c.index[product.ID]
	if !ok {
		return store.ErrNotFound
	}
	if qty > product.Stock {
		return store.ErrInsufficientStock
	}
	c.lines[i].Quantity = qty
	return nil
}

// RemoveItem is a no-op when the product is not in the cart.
func (c *Cart) RemoveItem(productID string) {
	i, ok := c.index[productID]
	if !ok {
		return
	}
	c.lines = append(c.lines[:i], c.lines[i+1:]...)
	delete(c.index, productID)
	for id, pos := range c.index {
		if pos > i {
			c.index[id] = pos - 1
		}
	}
}

func (c *Cart) SetDiscount(productID string, discount decimal.Decimal) error {
	i, ok := c.index[productID]
	if !ok {
		return store.ErrNotFound
	}
	if discount.IsNegative() {
		return store.ErrValidation
	}
	c.lines[i].Discount = discount
	return nil
}

func (c *Cart) SetTendered(amount decimal.Decimal) {
	c.tendered = amount
}

func (c *Cart) Tendered() decimal.Decimal {
	return c.tendered
}

// Clear empties the cart and any pending payment-amount input.
func (c *Cart) Clear() {
	c.lines = nil
	c.index = make(map[string]int)
	c.tendered = decimal.Zero
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

// Lines returns the cart lines in insertion order. The slice is a copy; the
// caller may keep it after mutating the cart.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// Load replaces the cart contents with a recalled snapshot.
func (c *Cart) Load(lines []domain.CartLine) {
	c.Clear()
	for _, line := range lines {
		if line.Quantity < 1 {
			continue
		}
		c.index[line.ProductID] = len(c.lines)
		c.lines = append(c.lines, line)
	}
}

// ComputeTotals derives subtotal, tax and total from the given lines at the
// given tax rate (a fraction, e.g. 0.10 for 10%). Amounts are rounded to
// currency precision with round-half-up; the total is the sum of the rounded
// subtotal and rounded tax so the identity total == subtotal + tax holds
// exactly after rounding.
func ComputeTotals(lines []domain.CartLine, taxRate decimal.Decimal) domain.Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		lineTotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		subtotal = subtotal.Add(lineTotal).Sub(line.Discount)
	}
	subtotal = roundCurrency(subtotal)
	tax := roundCurrency(subtotal.Mul(taxRate))
	return domain.Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}
}

func (c *Cart) ComputeTotals(taxRate decimal.Decimal) domain.Totals {
	return ComputeTotals(c.lines, taxRate)
}

// roundCurrency rounds half away from zero to 2 decimals, which is
// round-half-up for the non-negative amounts handled here.
func roundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

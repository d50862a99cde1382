package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tillpoint/backend/internal/cache"
	"tillpoint/backend/internal/cart"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const catalogCacheKey = "catalog:products"

type Service struct {
	repo     store.Repository
	catalog  cache.ProductCache
	log      zerolog.Logger
	taxRate  decimal.Decimal
	cacheTTL time.Duration
}

func New(repo store.Repository, catalog cache.ProductCache, logger zerolog.Logger, taxRate decimal.Decimal, cacheTTL time.Duration) *Service {
	if catalog == nil {
		catalog = cache.NoopProductCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Service{
		repo:     repo,
		catalog:  catalog,
		log:      logger,
		taxRate:  taxRate,
		cacheTTL: cacheTTL,
	}
}

func (s *Service) TaxRate() decimal.Decimal {
	return s.taxRate
}

// ListProducts serves the catalog read-through the cache. Cache failures are
// logged and fall back to the repository; stale stock here is harmless
// because finalization rechecks stock inside its own transaction.
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	cached, hit, err := s.catalog.Get(ctx, catalogCacheKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("catalog cache read failed")
	} else if hit {
		return cached, nil
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Set(ctx, catalogCacheKey, products, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Msg("catalog cache write failed")
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrValidation
	}
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// FinalizeSale runs the payment path: the request lines are normalized,
// totals are recomputed from catalog prices, the payment is validated, and
// the sale is persisted with its atomic stock decrement. Client-echoed
// amounts in the request are never trusted.
func (s *Service) FinalizeSale(ctx context.Context, req domain.CreateSaleRequest) (domain.CreateSaleResponse, error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if !isSupportedPaymentMethod(method) {
		return domain.CreateSaleResponse{}, store.ErrValidation
	}
	if req.DiscountAmount.IsNegative() {
		return domain.CreateSaleResponse{}, store.ErrValidation
	}

	lines := normalizeLines(req.Items)
	if len(lines) == 0 {
		return domain.CreateSaleResponse{}, store.ErrEmptyCart
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	} else if existing, err := s.repo.FindSaleByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return domain.CreateSaleResponse{
			Message: "sale already recorded",
			SaleID:  existing.ID,
			Sale:    existing,
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CreateSaleResponse{}, err
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}

	subtotal := decimal.Zero
	for i := range lines {
		product, exists := products[lines[i].ProductID]
		if !exists {
			return domain.CreateSaleResponse{}, store.ErrNotFound
		}
		lines[i].Name = product.Name
		lines[i].UnitPrice = product.Price
		lineTotal := product.Price.Mul(decimal.NewFromInt(int64(lines[i].Quantity))).Sub(lines[i].Discount)
		subtotal = subtotal.Add(lineTotal)
	}
	subtotal = subtotal.Round(2)
	if req.DiscountAmount.GreaterThan(subtotal) {
		return domain.CreateSaleResponse{}, store.ErrValidation
	}

	taxBase := subtotal.Sub(req.DiscountAmount)
	tax := taxBase.Mul(s.taxRate).Round(2)
	total := taxBase.Add(tax)

	switch method {
	case domain.PaymentCash:
		// Fast-fail against the service's own total; the store repeats this
		// check against its recomputed total inside the sale transaction.
		if req.AmountTendered.LessThan(total) {
			return domain.CreateSaleResponse{}, store.ErrInsufficientPayment
		}
	case domain.PaymentCard:
		if err := validateCard(req.Card); err != nil {
			return domain.CreateSaleResponse{}, err
		}
	}

	sale := domain.Sale{
		DiscountAmount: req.DiscountAmount,
		PaymentMethod:  method,
		UserID:         req.UserID,
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Notes:          strings.TrimSpace(req.Notes),
		IdempotencyKey: req.IdempotencyKey,
	}

	created, err := s.repo.CreateSale(ctx, sale, lines, s.taxRate, req.AmountTendered)
	if err != nil {
		if isDomainErr(err) {
			return domain.CreateSaleResponse{}, err
		}
		return domain.CreateSaleResponse{}, &store.SaleFailedError{Step: "persist", Err: err}
	}

	// Change comes off the persisted total, which the store recomputed under
	// its row locks; the pre-transaction total may be stale by now.
	change := decimal.Zero
	if method == domain.PaymentCash {
		change = req.AmountTendered.Sub(created.TotalAmount).Round(2)
	}

	s.logAudit(ctx, "sale_finalize", created.ID, fmt.Sprintf("total=%s,payment=%s,items=%d", created.TotalAmount, created.PaymentMethod, len(created.Items)))

	return domain.CreateSaleResponse{
		Message: "sale completed",
		SaleID:  created.ID,
		Change:  change,
		Sale:    created,
	}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Sale{}, store.ErrValidation
	}
	sale, err := s.repo.FindSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListSales(ctx, limit)
}

// Hold snapshots the cart under a fresh hold id. Totals are recomputed from
// catalog prices at hold time and stored with the snapshot; no stock is
// reserved.
func (s *Service) Hold(ctx context.Context, req domain.HoldRequest) (domain.HeldTransaction, error) {
	lines := normalizeLines(req.Items)
	if len(lines) == 0 {
		return domain.HeldTransaction{}, store.ErrEmptyCart
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.HeldTransaction{}, err
	}
	for i := range lines {
		product, exists := products[lines[i].ProductID]
		if !exists {
			return domain.HeldTransaction{}, store.ErrNotFound
		}
		lines[i].Name = product.Name
		lines[i].UnitPrice = product.Price
	}

	totals := cart.ComputeTotals(lines, s.taxRate)

	cashierID := strings.TrimSpace(req.CashierID)
	cashierName := ""
	if actor, ok := ActorFromContext(ctx); ok {
		if cashierID == "" {
			cashierID = actor.UserID
		}
		cashierName = actor.Name
	}
	if cashierID == "" {
		return domain.HeldTransaction{}, store.ErrValidation
	}

	holdID := strings.TrimSpace(req.HoldID)
	if holdID == "" {
		holdID = xid.New("hold")
	}

	held := domain.HeldTransaction{
		HoldID:      holdID,
		CashierID:   cashierID,
		CashierName: cashierName,
		Items:       lines,
		Subtotal:    totals.Subtotal,
		Tax:         totals.Tax,
		Total:       totals.Total,
		Note:        strings.TrimSpace(req.Note),
		CreatedAt:   time.Now().UTC(),
	}

	saved, err := s.repo.CreateHeldTransaction(ctx, held)
	if err != nil {
		return domain.HeldTransaction{}, err
	}

	s.logAudit(ctx, "hold_create", saved.HoldID, fmt.Sprintf("items=%d,total=%s", len(saved.Items), saved.Total))
	return *saved, nil
}

func (s *Service) GetHeld(ctx context.Context, holdID string) (domain.HeldTransaction, error) {
	holdID = strings.TrimSpace(holdID)
	if holdID == "" {
		return domain.HeldTransaction{}, store.ErrValidation
	}
	held, err := s.repo.GetHeldTransaction(ctx, holdID)
	if err != nil {
		return domain.HeldTransaction{}, err
	}
	return *held, nil
}

func (s *Service) ListHeld(ctx context.Context, cashierID string, limit int) ([]domain.HeldTransaction, error) {
	if limit < 1 || limit > 500 {
		limit = 200
	}
	return s.repo.ListHeldTransactions(ctx, strings.TrimSpace(cashierID), limit)
}

// Recall removes the hold and returns its snapshot. The removal is atomic in
// the store, so a hold can only ever be recalled once.
func (s *Service) Recall(ctx context.Context, holdID string) (domain.HeldTransaction, error) {
	holdID = strings.TrimSpace(holdID)
	if holdID == "" {
		return domain.HeldTransaction{}, store.ErrValidation
	}

	held, err := s.repo.PopHeldTransaction(ctx, holdID)
	if err != nil {
		return domain.HeldTransaction{}, err
	}

	s.logAudit(ctx, "hold_recall", held.HoldID, fmt.Sprintf("items=%d", len(held.Items)))
	return *held, nil
}

func (s *Service) DeleteHeld(ctx context.Context, holdID string) error {
	holdID = strings.TrimSpace(holdID)
	if holdID == "" {
		return store.ErrValidation
	}

	if err := s.repo.DeleteHeldTransaction(ctx, holdID); err != nil {
		return err
	}

	s.logAudit(ctx, "hold_discard", holdID, "discarded")
	return nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{UserID: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:        xid.New("audit"),
		ActorID:   actor.UserID,
		Action:    action,
		EntityID:  entityID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.log.Warn().Err(err).Str("action", action).Str("entity", entityID).Msg("audit log write failed")
	}
}

// normalizeLines drops empty lines and merges duplicate product ids so the
// store sees at most one line per product.
func normalizeLines(items []domain.SaleItemRequest) []domain.CartLine {
	index := make(map[string]int, len(items))
	lines := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" || item.Quantity < 1 {
			continue
		}
		discount := item.Discount
		if discount.IsNegative() {
			discount = decimal.Zero
		}
		if i, ok := index[id]; ok {
			lines[i].Quantity += item.Quantity
			lines[i].Discount = lines[i].Discount.Add(discount)
			continue
		}
		index[id] = len(lines)
		lines = append(lines, domain.CartLine{
			ProductID: id,
			Quantity:  item.Quantity,
			Discount:  discount,
		})
	}
	return lines
}

var cardNumberPattern = regexp.MustCompile(`^[0-9]{13,19}$`)
var cardCVVPattern = regexp.MustCompile(`^[0-9]{3,4}$`)

// validateCard checks format only; no authorization call is made.
func validateCard(card *domain.CardDetails) error {
	if card == nil {
		return store.ErrValidation
	}
	number := strings.ReplaceAll(strings.TrimSpace(card.Number), " ", "")
	if !cardNumberPattern.MatchString(number) {
		return store.ErrValidation
	}
	if !cardCVVPattern.MatchString(strings.TrimSpace(card.CVV)) {
		return store.ErrValidation
	}
	return validateCardExpiry(card.Expiry)
}

func validateCardExpiry(expiry string) error {
	parts := strings.Split(strings.TrimSpace(expiry), "/")
	if len(parts) != 2 {
		return store.ErrValidation
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return store.ErrValidation
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return store.ErrValidation
	}
	if year < 100 {
		year += 2000
	}
	now := time.Now().UTC()
	if year < now.Year() || (year == now.Year() && month < int(now.Month())) {
		return store.ErrValidation
	}
	return nil
}

func isDomainErr(err error) bool {
	return errors.Is(err, store.ErrValidation) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrOutOfStock) ||
		errors.Is(err, store.ErrInsufficientStock) ||
		errors.Is(err, store.ErrInsufficientPayment) ||
		errors.Is(err, store.ErrEmptyCart) ||
		errors.Is(err, store.ErrDuplicateSale) ||
		errors.Is(err, store.ErrDuplicateHold)
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentMobile, domain.PaymentQR:
		return true
	default:
		return false
	}
}

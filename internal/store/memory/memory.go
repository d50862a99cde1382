package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

type Store struct {
	mu          sync.RWMutex
	products    map[string]domain.Product
	salesByID   map[string]*domain.Sale
	salesByIdem map[string]*domain.Sale
	heldByID    map[string]domain.HeldTransaction
	auditLogs   []domain.AuditLog
	usersByID   map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		userID   string
		name     string
		password string
		role     string
	}{
		{"admin", "Store Admin", adminPwd, "admin"},
		{"cashier1", "Front Cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.userID, err)
		}
		users[u.userID] = domain.UserAccount{
			UserID:    u.userID,
			Name:      u.name,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "p-espresso", SKU: "SKU-ESP-01", Name: "Espresso Beans 1kg", Price: decimal.RequireFromString("18.50"), Stock: 40, Active: true},
		{ID: "p-milk", SKU: "SKU-MILK-01", Name: "Whole Milk 1L", Price: decimal.RequireFromString("2.20"), Stock: 120, Active: true},
		{ID: "p-bread", SKU: "SKU-BRD-01", Name: "Sourdough Loaf", Price: decimal.RequireFromString("4.80"), Stock: 25, Active: true},
		{ID: "p-eggs", SKU: "SKU-EGG-01", Name: "Free Range Eggs 12", Price: decimal.RequireFromString("5.40"), Stock: 60, Active: true},
		{ID: "p-butter", SKU: "SKU-BTR-01", Name: "Salted Butter 250g", Price: decimal.RequireFromString("3.90"), Stock: 45, Active: true},
		{ID: "p-honey", SKU: "SKU-HNY-01", Name: "Raw Honey 500g", Price: decimal.RequireFromString("9.75"), Stock: 18, Active: true},
		{ID: "p-tea", SKU: "SKU-TEA-01", Name: "Earl Grey Tea 50ct", Price: decimal.RequireFromString("6.30"), Stock: 32, Active: true},
		{ID: "p-choc", SKU: "SKU-CHC-01", Name: "Dark Chocolate Bar", Price: decimal.RequireFromString("3.25"), Stock: 80, Active: true},
		{ID: "p-water", SKU: "SKU-WTR-01", Name: "Sparkling Water 750ml", Price: decimal.RequireFromString("1.95"), Stock: 150, Active: true},
		{ID: "p-granola", SKU: "SKU-GRN-01", Name: "Granola 400g", Price: decimal.RequireFromString("7.60"), Stock: 22, Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	return &Store{
		products:    productMap,
		salesByID:   make(map[string]*domain.Sale),
		salesByIdem: make(map[string]*domain.Sale),
		heldByID:    make(map[string]domain.HeldTransaction),
		auditLogs:   make([]domain.AuditLog, 0, 128),
		usersByID:   seedUsers(),
	}
}

// SetProduct inserts or replaces a product. Test seams only.
func (s *Store) SetProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})

	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

// CreateSale finalizes a sale all-or-nothing: prices and totals are
// recomputed from the product catalog, stock is checked for every line, and
// only when every check passes are the sale recorded and stock levels
// decremented. A repeated idempotency key returns the previously recorded
// sale unchanged.
func (s *Store) CreateSale(_ context.Context, sale domain.Sale, lines []domain.CartLine, taxRate, tendered decimal.Decimal) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
			return cloneSale(existing), nil
		}
	}
	if len(lines) == 0 {
		return nil, store.ErrEmptyCart
	}

	subtotal := decimal.Zero
	items := make([]domain.SaleItem, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, store.ErrValidation
		}
		product, exists := s.products[line.ProductID]
		if !exists || !product.Active {
			return nil, store.ErrNotFound
		}
		if product.Stock <= 0 {
			return nil, store.ErrOutOfStock
		}
		if product.Stock < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
		lineTotal := product.Price.Mul(decimal.NewFromInt(int64(line.Quantity))).Sub(line.Discount)
		items = append(items, domain.SaleItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
			ItemTotal: lineTotal.Round(2),
		})
		subtotal = subtotal.Add(lineTotal)
	}
	subtotal = subtotal.Round(2)
	if sale.DiscountAmount.IsNegative() || sale.DiscountAmount.GreaterThan(subtotal) {
		return nil, store.ErrValidation
	}

	taxBase := subtotal.Sub(sale.DiscountAmount)
	tax := taxBase.Mul(taxRate).Round(2)
	total := taxBase.Add(tax)
	if sale.PaymentMethod == domain.PaymentCash && tendered.LessThan(total) {
		return nil, store.ErrInsufficientPayment
	}

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.TaxAmount = tax
	sale.TotalAmount = total
	for i := range items {
		items[i].SaleID = sale.ID
	}
	sale.Items = items

	// All checks passed; apply the stock decrement.
	for _, item := range items {
		product := s.products[item.ProductID]
		product.Stock -= item.Quantity
		s.products[item.ProductID] = product
	}

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = saved
	}
	return cloneSale(saved), nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateHeldTransaction(_ context.Context, held domain.HeldTransaction) (*domain.HeldTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held.HoldID == "" {
		held.HoldID = xid.New("hold")
	}
	if held.CreatedAt.IsZero() {
		held.CreatedAt = time.Now().UTC()
	}
	if held.CashierID == "" || len(held.Items) == 0 {
		return nil, store.ErrValidation
	}
	if _, exists := s.heldByID[held.HoldID]; exists {
		return nil, store.ErrDuplicateHold
	}

	s.heldByID[held.HoldID] = cloneHeld(held)
	saved := cloneHeld(s.heldByID[held.HoldID])
	return &saved, nil
}

func (s *Store) GetHeldTransaction(_ context.Context, holdID string) (*domain.HeldTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	held, exists := s.heldByID[holdID]
	if !exists {
		return nil, store.ErrNotFound
	}
	result := cloneHeld(held)
	return &result, nil
}

func (s *Store) ListHeldTransactions(_ context.Context, cashierID string, limit int) ([]domain.HeldTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.HeldTransaction, 0, 64)
	for _, held := range s.heldByID {
		if cashierID != "" && held.CashierID != cashierID {
			continue
		}
		result = append(result, cloneHeld(held))
	}
	slices.SortFunc(result, func(a, b domain.HeldTransaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.HoldID, a.HoldID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// PopHeldTransaction removes the hold and returns its snapshot in one step,
// so two terminals recalling the same hold cannot both succeed.
func (s *Store) PopHeldTransaction(_ context.Context, holdID string) (*domain.HeldTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, exists := s.heldByID[holdID]
	if !exists {
		return nil, store.ErrNotFound
	}
	delete(s.heldByID, holdID)
	result := cloneHeld(held)
	return &result, nil
}

func (s *Store) DeleteHeldTransaction(_ context.Context, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.heldByID[holdID]; !exists {
		return store.ErrNotFound
	}
	delete(s.heldByID, holdID)
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) GetUserByID(_ context.Context, userID string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByID[userID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.UserID, b.UserID)
	})
	return users, nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}

func cloneHeld(src domain.HeldTransaction) domain.HeldTransaction {
	dup := src
	items := make([]domain.CartLine, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, price, stock, active
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, price, stock, active
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.SKU, &product.Name, &product.Price, &product.Stock, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, price, stock, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// CreateSale finalizes a sale in a single serializable transaction: stock
// rows are locked with FOR UPDATE, prices and totals are recomputed from the
// catalog, and the sale header, its items, and the stock decrements all
// commit together or not at all. Two terminals selling the last unit of the
// same product serialize on the row lock, so stock can never go negative. A
// replayed idempotency key returns the sale recorded by the first attempt.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, lines []domain.CartLine, taxRate, tendered decimal.Decimal) (*domain.Sale, error) {
	if len(lines) == 0 {
		return nil, store.ErrEmptyCart
	}

	if sale.IdempotencyKey != "" {
		existing, err := s.FindSaleByIdempotencyKey(ctx, sale.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	ids := uniqueProductIDs(lines)
	if len(ids) == 0 {
		return nil, store.ErrValidation
	}

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT id, price, stock
		FROM products
		WHERE active = true AND id = ANY($1)
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	type productState struct {
		price decimal.Decimal
		stock int
	}
	productMap := make(map[string]productState, len(ids))
	for productRows.Next() {
		var id string
		var st productState
		if err := productRows.Scan(&id, &st.price, &st.stock); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productMap[id] = st
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	subtotal := decimal.Zero
	items := make([]domain.SaleItem, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, store.ErrValidation
		}
		product, exists := productMap[line.ProductID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if product.stock <= 0 {
			return nil, store.ErrOutOfStock
		}
		if product.stock < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
		lineTotal := product.price.Mul(decimal.NewFromInt(int64(line.Quantity))).Sub(line.Discount)
		items = append(items, domain.SaleItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: product.price,
			ItemTotal: lineTotal.Round(2),
		})
		subtotal = subtotal.Add(lineTotal)
	}
	subtotal = subtotal.Round(2)
	if sale.DiscountAmount.IsNegative() || sale.DiscountAmount.GreaterThan(subtotal) {
		return nil, store.ErrValidation
	}

	taxBase := subtotal.Sub(sale.DiscountAmount)
	sale.TaxAmount = taxBase.Mul(taxRate).Round(2)
	sale.TotalAmount = taxBase.Add(sale.TaxAmount)
	if sale.PaymentMethod == domain.PaymentCash && tendered.LessThan(sale.TotalAmount) {
		return nil, store.ErrInsufficientPayment
	}

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, total_amount, discount_amount, tax_amount, payment_method,
			user_id, customer_id, notes, idempotency_key, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.TotalAmount, sale.DiscountAmount, sale.TaxAmount, sale.PaymentMethod,
		sale.UserID, nullIfEmpty(sale.CustomerID), sale.Notes, nullIfEmpty(sale.IdempotencyKey), sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && sale.IdempotencyKey != "" {
			existing, lookupErr := s.FindSaleByIdempotencyKey(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for i := range items {
		items[i].SaleID = sale.ID
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, item_total)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice, items[i].ItemTotal)
		if err != nil {
			return nil, err
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = now()
			WHERE id = $2
		`, items[i].Quantity, items[i].ProductID)
		if err != nil {
			return nil, err
		}
	}
	sale.Items = items

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, `WHERE id = $1`, id)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, `WHERE idempotency_key = $1`, key)
}

func (s *Store) findSale(ctx context.Context, where string, value string) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullString
	var idemKey sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, total_amount, discount_amount, tax_amount, payment_method,
			user_id, customer_id, COALESCE(notes,''), idempotency_key, created_at
		FROM sales
	`+where, value).Scan(
		&sale.ID,
		&sale.TotalAmount,
		&sale.DiscountAmount,
		&sale.TaxAmount,
		&sale.PaymentMethod,
		&sale.UserID,
		&customerID,
		&sale.Notes,
		&idemKey,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if idemKey.Valid {
		sale.IdempotencyKey = idemKey.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	items, err := s.loadSaleItems(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items

	return &sale, nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, quantity, unit_price, item_total
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.ItemTotal); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total_amount, discount_amount, tax_amount, payment_method,
			user_id, customer_id, COALESCE(notes,''), idempotency_key, created_at
		FROM sales
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var customerID sql.NullString
		var idemKey sql.NullString
		if err := rows.Scan(
			&sale.ID,
			&sale.TotalAmount,
			&sale.DiscountAmount,
			&sale.TaxAmount,
			&sale.PaymentMethod,
			&sale.UserID,
			&customerID,
			&sale.Notes,
			&idemKey,
			&sale.CreatedAt,
		); err != nil {
			return nil, err
		}
		if customerID.Valid {
			sale.CustomerID = customerID.String
		}
		if idemKey.Valid {
			sale.IdempotencyKey = idemKey.String
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, quantity, unit_price, item_total
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	itemMap := make(map[string][]domain.SaleItem, len(ids))
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.ItemTotal); err != nil {
			return nil, err
		}
		itemMap[item.SaleID] = append(itemMap[item.SaleID], item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		sales[i].Items = itemMap[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) CreateHeldTransaction(ctx context.Context, held domain.HeldTransaction) (*domain.HeldTransaction, error) {
	if held.HoldID == "" {
		held.HoldID = xid.New("hold")
	}
	if held.CreatedAt.IsZero() {
		held.CreatedAt = time.Now().UTC()
	}
	if held.CashierID == "" || len(held.Items) == 0 {
		return nil, store.ErrValidation
	}

	itemsJSON, err := json.Marshal(held.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_transactions (
			hold_id, cashier_id, cashier_name, items, subtotal, tax, total, note, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, held.HoldID, held.CashierID, held.CashierName, itemsJSON,
		held.Subtotal, held.Tax, held.Total, held.Note, held.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateHold
		}
		return nil, err
	}
	saved := held
	return &saved, nil
}

func (s *Store) GetHeldTransaction(ctx context.Context, holdID string) (*domain.HeldTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hold_id, cashier_id, cashier_name, items, subtotal, tax, total, COALESCE(note,''), created_at
		FROM held_transactions
		WHERE hold_id = $1
	`, holdID)
	held, err := scanHeld(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return held, nil
}

func (s *Store) ListHeldTransactions(ctx context.Context, cashierID string, limit int) ([]domain.HeldTransaction, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT hold_id, cashier_id, cashier_name, items, subtotal, tax, total, COALESCE(note,''), created_at
		FROM held_transactions
		WHERE ($1 = '' OR cashier_id = $1)
		ORDER BY created_at DESC, hold_id DESC
		LIMIT $2
	`, cashierID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	helds := make([]domain.HeldTransaction, 0, limit)
	for rows.Next() {
		held, err := scanHeld(rows)
		if err != nil {
			return nil, err
		}
		helds = append(helds, *held)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return helds, nil
}

// PopHeldTransaction reads and deletes the hold under a row lock so only one
// of two concurrent recalls can win; the loser sees ErrNotFound.
func (s *Store) PopHeldTransaction(ctx context.Context, holdID string) (*domain.HeldTransaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT hold_id, cashier_id, cashier_name, items, subtotal, tax, total, COALESCE(note,''), created_at
		FROM held_transactions
		WHERE hold_id = $1
		FOR UPDATE
	`, holdID)
	held, err := scanHeld(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM held_transactions WHERE hold_id = $1`, holdID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return held, nil
}

func (s *Store) DeleteHeldTransaction(ctx context.Context, holdID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM held_transactions WHERE hold_id = $1`, holdID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.ActorID, entry.Action, nullIfEmpty(entry.EntityID), entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, password, role, active, created_at
		FROM app_users
		WHERE user_id = $1
	`, userID).Scan(&user.UserID, &user.Name, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, name, password, role, active, created_at
		FROM app_users
		ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.UserID, &user.Name, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeld(row rowScanner) (*domain.HeldTransaction, error) {
	var held domain.HeldTransaction
	var itemsRaw []byte
	if err := row.Scan(
		&held.HoldID,
		&held.CashierID,
		&held.CashierName,
		&itemsRaw,
		&held.Subtotal,
		&held.Tax,
		&held.Total,
		&held.Note,
		&held.CreatedAt,
	); err != nil {
		return nil, err
	}
	held.CreatedAt = held.CreatedAt.UTC()
	if len(itemsRaw) > 0 {
		if err := json.Unmarshal(itemsRaw, &held.Items); err != nil {
			return nil, err
		}
	}
	return &held, nil
}

func uniqueProductIDs(lines []domain.CartLine) []string {
	if len(lines) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		if _, ok := set[line.ProductID]; ok {
			continue
		}
		set[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

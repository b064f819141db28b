package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/brokerage/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DB wraps a PostgreSQL connection pool and implements Store.
type DB struct {
	Pool *pgxpool.Pool
}

var _ Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// InTx runs fn in a single transaction, rolling back unless fn succeeds.
func (db *DB) InTx(ctx context.Context, fn func(uow UnitOfWork) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgxUnitOfWork{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateCustomer inserts a new customer
func (db *DB) CreateCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	out := &models.Customer{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO customers (customer_id, username, password_hash, role)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, customer_id, username, password_hash, role, created_at`,
		c.CustomerID, c.Username, c.PasswordHash, c.Role).Scan(
		&out.ID, &out.CustomerID, &out.Username, &out.PasswordHash, &out.Role, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return out, nil
}

// GetCustomerByUsername retrieves a customer by login name
func (db *DB) GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error) {
	return db.getCustomer(ctx, "username", username)
}

// GetCustomerByCustomerID retrieves a customer by external identifier
func (db *DB) GetCustomerByCustomerID(ctx context.Context, customerID string) (*models.Customer, error) {
	return db.getCustomer(ctx, "customer_id", customerID)
}

func (db *DB) getCustomer(ctx context.Context, column, value string) (*models.Customer, error) {
	c := &models.Customer{}
	err := db.Pool.QueryRow(ctx,
		`SELECT id, customer_id, username, password_hash, role, created_at
		 FROM customers WHERE `+column+` = $1`,
		value).Scan(&c.ID, &c.CustomerID, &c.Username, &c.PasswordHash, &c.Role, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %q: %w", value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

// ListAssets retrieves all asset balances for a customer, unordered.
func (db *DB) ListAssets(ctx context.Context, customerID string) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, customer_id, asset_name, size::text, usable_size::text
		 FROM assets WHERE customer_id = $1`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// GetAsset retrieves one asset balance without locking it.
func (db *DB) GetAsset(ctx context.Context, customerID, assetName string) (*models.Asset, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT id, customer_id, asset_name, size::text, usable_size::text
		 FROM assets WHERE customer_id = $1 AND asset_name = $2`,
		customerID, assetName)
	a, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("asset %s/%s: %w", customerID, assetName, ErrNotFound)
	}
	return a, err
}

// GetOrder retrieves one order without locking it.
func (db *DB) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	row := db.Pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	return o, err
}

// ListOrders retrieves orders matching the filter, oldest first.
func (db *DB) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error) {
	query := selectOrder + ` WHERE 1=1`
	args := []any{}
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		query += fmt.Sprintf(" AND customer_id = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += fmt.Sprintf(" AND create_date >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += fmt.Sprintf(" AND create_date <= $%d", len(args))
	}
	query += " ORDER BY create_date ASC"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// pgxUnitOfWork is the transactional Store view. All reads lock the rows they
// return so concurrent balance operations serialize per asset.
type pgxUnitOfWork struct {
	tx pgx.Tx
}

var _ UnitOfWork = (*pgxUnitOfWork)(nil)

func (u *pgxUnitOfWork) GetAssetForUpdate(ctx context.Context, customerID, assetName string) (*models.Asset, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT id, customer_id, asset_name, size::text, usable_size::text
		 FROM assets WHERE customer_id = $1 AND asset_name = $2
		 FOR UPDATE`,
		customerID, assetName)
	a, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("asset %s/%s: %w", customerID, assetName, ErrNotFound)
	}
	return a, err
}

func (u *pgxUnitOfWork) UpsertAsset(ctx context.Context, a *models.Asset) error {
	err := u.tx.QueryRow(ctx,
		`INSERT INTO assets (customer_id, asset_name, size, usable_size)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (customer_id, asset_name)
		 DO UPDATE SET size = EXCLUDED.size, usable_size = EXCLUDED.usable_size
		 RETURNING id`,
		a.CustomerID, a.AssetName, a.Size.String(), a.UsableSize.String()).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert asset: %w", err)
	}
	return nil
}

func (u *pgxUnitOfWork) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	row := u.tx.QueryRow(ctx,
		`INSERT INTO orders (customer_id, asset_name, side, size, price, status, create_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, customer_id, asset_name, side, size::text, price::text, status, create_date`,
		o.CustomerID, o.AssetName, o.Side, o.Size.String(), o.Price.String(), o.Status, o.CreateDate)
	out, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return out, nil
}

func (u *pgxUnitOfWork) GetOrderForUpdate(ctx context.Context, orderID int64) (*models.Order, error) {
	row := u.tx.QueryRow(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	return o, err
}

func (u *pgxUnitOfWork) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE orders SET status = $1 WHERE id = $2`,
		o.Status, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (u *pgxUnitOfWork) InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	err := u.tx.QueryRow(ctx,
		`INSERT INTO withdrawals (id, customer_id, amount, iban)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		w.ID, w.CustomerID, w.Amount.String(), w.IBAN).Scan(&w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record withdrawal: %w", err)
	}
	return nil
}

const selectOrder = `SELECT id, customer_id, asset_name, side, size::text, price::text, status, create_date FROM orders`

func scanAsset(row pgx.Row) (*models.Asset, error) {
	a := &models.Asset{}
	var sizeStr, usableStr string
	if err := row.Scan(&a.ID, &a.CustomerID, &a.AssetName, &sizeStr, &usableStr); err != nil {
		return nil, err
	}
	var err error
	if a.Size, err = decimal.NewFromString(sizeStr); err != nil {
		return nil, fmt.Errorf("failed to parse asset size: %w", err)
	}
	if a.UsableSize, err = decimal.NewFromString(usableStr); err != nil {
		return nil, fmt.Errorf("failed to parse usable size: %w", err)
	}
	return a, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	var sizeStr, priceStr string
	if err := row.Scan(&o.ID, &o.CustomerID, &o.AssetName, &o.Side, &sizeStr, &priceStr, &o.Status, &o.CreateDate); err != nil {
		return nil, err
	}
	var err error
	if o.Size, err = decimal.NewFromString(sizeStr); err != nil {
		return nil, fmt.Errorf("failed to parse order size: %w", err)
	}
	if o.Price, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("failed to parse order price: %w", err)
	}
	return o, nil
}

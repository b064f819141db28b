package db

import (
	"context"
	"errors"
	"time"

	"github.com/xtrntr/brokerage/internal/models"
)

// Failure kinds surfaced by the store and the services built on it. The API
// layer maps each to a distinct HTTP status.
var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotPending     = errors.New("order is not pending")
)

// OrderFilter narrows ListOrders. Zero-value fields are ignored; From and To
// are inclusive bounds on the order's creation time.
type OrderFilter struct {
	CustomerID string
	From       *time.Time
	To         *time.Time
}

// Store is the persistence surface the services depend on. The pgx
// implementation is DB; MemStore backs tests and local runs.
type Store interface {
	// InTx runs fn inside a single transaction. All reads fn performs
	// through the UnitOfWork lock the rows they return, so concurrent
	// operations on the same customer/asset serialize. If fn returns an
	// error the transaction rolls back and no write is observed.
	InTx(ctx context.Context, fn func(uow UnitOfWork) error) error

	GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error)
	GetCustomerByCustomerID(ctx context.Context, customerID string) (*models.Customer, error)
	CreateCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error)

	ListAssets(ctx context.Context, customerID string) ([]models.Asset, error)
	GetAsset(ctx context.Context, customerID, assetName string) (*models.Asset, error)

	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error)
}

// UnitOfWork is the transactional view handed to InTx callbacks. ForUpdate
// reads return ErrNotFound when the row does not exist.
type UnitOfWork interface {
	GetAssetForUpdate(ctx context.Context, customerID, assetName string) (*models.Asset, error)
	UpsertAsset(ctx context.Context, a *models.Asset) error

	InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, orderID int64) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error

	InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error
}

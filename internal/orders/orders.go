// Package orders implements the order lifecycle: creation with balance
// reservation, admin-triggered settlement ("match"), and cancellation with
// reservation release.
//
// An order is PENDING from creation until it is matched or canceled, both
// terminal. Creating a BUY order reserves size*price of the customer's usable
// settlement balance; creating a SELL order reserves size units of the named
// asset. Matching settles the reservation against the totals; canceling
// returns it to the usable balance.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xtrntr/brokerage/internal/db"
	"github.com/xtrntr/brokerage/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidOrder rejects malformed order requests before any balance work.
var ErrInvalidOrder = errors.New("invalid order")

// CreateRequest describes a new order.
type CreateRequest struct {
	CustomerID string
	AssetName  string
	Side       string
	Size       decimal.Decimal
	Price      decimal.Decimal
}

func (r *CreateRequest) validate() error {
	if r.CustomerID == "" {
		return fmt.Errorf("customer id is required: %w", ErrInvalidOrder)
	}
	if r.AssetName == "" {
		return fmt.Errorf("asset name is required: %w", ErrInvalidOrder)
	}
	if r.Side != models.SideBuy && r.Side != models.SideSell {
		return fmt.Errorf("side must be BUY or SELL: %w", ErrInvalidOrder)
	}
	if r.Size.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("size must be positive: %w", ErrInvalidOrder)
	}
	if r.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("price must be positive: %w", ErrInvalidOrder)
	}
	return nil
}

// Service performs order operations against a Store. Each operation runs in
// one transaction covering its balance reads and writes, so a failure leaves
// no partial mutation.
type Service struct {
	store  db.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an order service.
func NewService(store db.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Create validates the request, reserves the required balance, and persists a
// PENDING order. If the reservation fails no order is written.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var created *models.Order
	err := s.store.InTx(ctx, func(uow db.UnitOfWork) error {
		order := &models.Order{
			CustomerID: req.CustomerID,
			AssetName:  req.AssetName,
			Side:       req.Side,
			Size:       req.Size,
			Price:      req.Price,
			Status:     models.StatusPending,
			CreateDate: s.now(),
		}

		if err := s.reserve(ctx, uow, order); err != nil {
			return err
		}

		var err error
		created, err = uow.InsertOrder(ctx, order)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		"order_id", created.ID, "customer_id", created.CustomerID,
		"asset", created.AssetName, "side", created.Side,
		"size", created.Size, "price", created.Price)
	return created, nil
}

// reserve earmarks the balance backing the order by decrementing the usable
// size. Totals stay untouched until the order matches.
func (s *Service) reserve(ctx context.Context, uow db.UnitOfWork, order *models.Order) error {
	if order.Side == models.SideBuy {
		cash, err := uow.GetAssetForUpdate(ctx, order.CustomerID, models.SettlementCurrency)
		if err != nil {
			return err
		}
		cost := order.Total()
		if cash.UsableSize.LessThan(cost) {
			return fmt.Errorf("usable %s %s below %s: %w",
				models.SettlementCurrency, cash.UsableSize, cost, db.ErrInsufficientBalance)
		}
		cash.UsableSize = cash.UsableSize.Sub(cost)
		return uow.UpsertAsset(ctx, cash)
	}

	asset, err := uow.GetAssetForUpdate(ctx, order.CustomerID, order.AssetName)
	if err != nil {
		return err
	}
	if asset.UsableSize.LessThan(order.Size) {
		return fmt.Errorf("usable %s %s below %s: %w",
			order.AssetName, asset.UsableSize, order.Size, db.ErrInsufficientBalance)
	}
	asset.UsableSize = asset.UsableSize.Sub(order.Size)
	return uow.UpsertAsset(ctx, asset)
}

// Match settles a PENDING order: the reserved balance leaves the totals and
// the counter-asset is credited. Only callers with the admin role reach this
// through the API.
func (s *Service) Match(ctx context.Context, orderID int64) (*models.Order, error) {
	var matched *models.Order
	err := s.store.InTx(ctx, func(uow db.UnitOfWork) error {
		order, err := uow.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.StatusPending {
			return fmt.Errorf("order %d is %s: %w", order.ID, order.Status, db.ErrOrderNotPending)
		}

		if order.Side == models.SideBuy {
			err = s.settleBuy(ctx, uow, order)
		} else {
			err = s.settleSell(ctx, uow, order)
		}
		if err != nil {
			return err
		}

		order.Status = models.StatusMatched
		if err := uow.UpdateOrder(ctx, order); err != nil {
			return err
		}
		matched = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order matched", "order_id", matched.ID, "customer_id", matched.CustomerID)
	return matched, nil
}

func (s *Service) settleBuy(ctx context.Context, uow db.UnitOfWork, order *models.Order) error {
	cash, err := uow.GetAssetForUpdate(ctx, order.CustomerID, models.SettlementCurrency)
	if err != nil {
		return err
	}
	// Usable was already reduced at creation; settle the total now.
	cash.Size = cash.Size.Sub(order.Total())
	if err := uow.UpsertAsset(ctx, cash); err != nil {
		return err
	}

	bought, err := uow.GetAssetForUpdate(ctx, order.CustomerID, order.AssetName)
	if errors.Is(err, db.ErrNotFound) {
		bought = &models.Asset{CustomerID: order.CustomerID, AssetName: order.AssetName}
	} else if err != nil {
		return err
	}
	bought.Size = bought.Size.Add(order.Size)
	bought.UsableSize = bought.UsableSize.Add(order.Size)
	return uow.UpsertAsset(ctx, bought)
}

func (s *Service) settleSell(ctx context.Context, uow db.UnitOfWork, order *models.Order) error {
	sold, err := uow.GetAssetForUpdate(ctx, order.CustomerID, order.AssetName)
	if err != nil {
		return err
	}
	sold.Size = sold.Size.Sub(order.Size)
	if err := uow.UpsertAsset(ctx, sold); err != nil {
		return err
	}

	cash, err := uow.GetAssetForUpdate(ctx, order.CustomerID, models.SettlementCurrency)
	if errors.Is(err, db.ErrNotFound) {
		cash = &models.Asset{CustomerID: order.CustomerID, AssetName: models.SettlementCurrency}
	} else if err != nil {
		return err
	}
	proceeds := order.Total()
	cash.Size = cash.Size.Add(proceeds)
	cash.UsableSize = cash.UsableSize.Add(proceeds)
	return uow.UpsertAsset(ctx, cash)
}

// Cancel releases a PENDING order's reservation back to the usable balance
// and marks the order CANCELED.
func (s *Service) Cancel(ctx context.Context, orderID int64) (*models.Order, error) {
	var canceled *models.Order
	err := s.store.InTx(ctx, func(uow db.UnitOfWork) error {
		order, err := uow.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.StatusPending {
			return fmt.Errorf("order %d is %s: %w", order.ID, order.Status, db.ErrOrderNotPending)
		}

		assetName := models.SettlementCurrency
		release := order.Total()
		if order.Side == models.SideSell {
			assetName = order.AssetName
			release = order.Size
		}

		asset, err := uow.GetAssetForUpdate(ctx, order.CustomerID, assetName)
		if err != nil {
			return err
		}
		asset.UsableSize = asset.UsableSize.Add(release)
		if err := uow.UpsertAsset(ctx, asset); err != nil {
			return err
		}

		order.Status = models.StatusCanceled
		if err := uow.UpdateOrder(ctx, order); err != nil {
			return err
		}
		canceled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order canceled", "order_id", canceled.ID, "customer_id", canceled.CustomerID)
	return canceled, nil
}

// Get returns one order, or ErrNotFound.
func (s *Service) Get(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// List returns orders matching the filter, oldest first. An empty customer id
// means all orders; the API layer restricts that to admins.
func (s *Service) List(ctx context.Context, f db.OrderFilter) ([]models.Order, error) {
	return s.store.ListOrders(ctx, f)
}

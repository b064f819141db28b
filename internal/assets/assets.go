// Package assets manages per-customer balances: cash deposits and
// withdrawals in the settlement currency, and balance lookups.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xtrntr/brokerage/internal/db"
	"github.com/xtrntr/brokerage/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidAmount rejects non-positive deposit and withdrawal amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// Service performs balance operations against a Store. Each mutating call
// runs in its own transaction.
type Service struct {
	store  db.Store
	logger *slog.Logger
}

// NewService creates an asset service.
func NewService(store db.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Deposit credits amount to the customer's settlement-currency balance,
// creating the asset record on first deposit.
func (s *Service) Deposit(ctx context.Context, customerID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("deposit of %s: %w", amount, ErrInvalidAmount)
	}

	err := s.store.InTx(ctx, func(uow db.UnitOfWork) error {
		cash, err := uow.GetAssetForUpdate(ctx, customerID, models.SettlementCurrency)
		if errors.Is(err, db.ErrNotFound) {
			cash = &models.Asset{CustomerID: customerID, AssetName: models.SettlementCurrency}
		} else if err != nil {
			return err
		}

		cash.Size = cash.Size.Add(amount)
		cash.UsableSize = cash.UsableSize.Add(amount)
		return uow.UpsertAsset(ctx, cash)
	})
	if err != nil {
		return err
	}

	s.logger.Info("deposit completed", "customer_id", customerID, "amount", amount)
	return nil
}

// Withdraw debits amount from the customer's usable settlement balance and
// records the destination IBAN in the withdrawal audit trail. Fails with
// ErrInsufficientBalance if the usable balance is below amount.
func (s *Service) Withdraw(ctx context.Context, customerID string, amount decimal.Decimal, iban string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("withdrawal of %s: %w", amount, ErrInvalidAmount)
	}

	err := s.store.InTx(ctx, func(uow db.UnitOfWork) error {
		cash, err := uow.GetAssetForUpdate(ctx, customerID, models.SettlementCurrency)
		if err != nil {
			return err
		}
		if cash.UsableSize.LessThan(amount) {
			return fmt.Errorf("usable %s below %s: %w", cash.UsableSize, amount, db.ErrInsufficientBalance)
		}

		cash.Size = cash.Size.Sub(amount)
		cash.UsableSize = cash.UsableSize.Sub(amount)
		if err := uow.UpsertAsset(ctx, cash); err != nil {
			return err
		}

		return uow.InsertWithdrawal(ctx, &models.Withdrawal{
			ID:         uuid.New(),
			CustomerID: customerID,
			Amount:     amount,
			IBAN:       iban,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("withdrawal completed", "customer_id", customerID, "amount", amount, "iban", iban)
	return nil
}

// List returns all asset balances held by the customer.
func (s *Service) List(ctx context.Context, customerID string) ([]models.Asset, error) {
	return s.store.ListAssets(ctx, customerID)
}

// Get returns one asset balance, or ErrNotFound.
func (s *Service) Get(ctx context.Context, customerID, assetName string) (*models.Asset, error) {
	return s.store.GetAsset(ctx, customerID, assetName)
}

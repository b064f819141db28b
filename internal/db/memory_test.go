package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/brokerage/internal/models"
)

func TestMemStore_InTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(uow UnitOfWork) error {
		if err := uow.UpsertAsset(ctx, &models.Asset{
			CustomerID: "CUST1",
			AssetName:  models.SettlementCurrency,
			Size:       decimal.NewFromInt(100),
			UsableSize: decimal.NewFromInt(100),
		}); err != nil {
			return err
		}
		if _, err := uow.InsertOrder(ctx, &models.Order{
			CustomerID: "CUST1",
			AssetName:  "THYAO",
			Side:       models.SideBuy,
			Size:       decimal.NewFromInt(1),
			Price:      decimal.NewFromInt(1),
			Status:     models.StatusPending,
			CreateDate: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Neither write is visible
	_, err = store.GetAsset(ctx, "CUST1", models.SettlementCurrency)
	assert.ErrorIs(t, err, ErrNotFound)
	orders, err := store.ListOrders(ctx, OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMemStore_InTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	err := store.InTx(ctx, func(uow UnitOfWork) error {
		return uow.UpsertAsset(ctx, &models.Asset{
			CustomerID: "CUST1",
			AssetName:  models.SettlementCurrency,
			Size:       decimal.NewFromInt(100),
			UsableSize: decimal.NewFromInt(100),
		})
	})
	require.NoError(t, err)

	a, err := store.GetAsset(ctx, "CUST1", models.SettlementCurrency)
	require.NoError(t, err)
	assert.Equal(t, "100", a.Size.String())

	// Upsert on the same key updates in place
	err = store.InTx(ctx, func(uow UnitOfWork) error {
		a, err := uow.GetAssetForUpdate(ctx, "CUST1", models.SettlementCurrency)
		if err != nil {
			return err
		}
		a.Size = a.Size.Add(decimal.NewFromInt(50))
		a.UsableSize = a.UsableSize.Add(decimal.NewFromInt(50))
		return uow.UpsertAsset(ctx, a)
	})
	require.NoError(t, err)

	list, err := store.ListAssets(ctx, "CUST1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "150", list[0].Size.String())
}

func TestMemStore_CustomerUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_, err := store.CreateCustomer(ctx, &models.Customer{
		CustomerID: "CUST1", Username: "user", PasswordHash: "h", Role: models.RoleUser,
	})
	require.NoError(t, err)

	_, err = store.CreateCustomer(ctx, &models.Customer{
		CustomerID: "CUST1", Username: "user2", PasswordHash: "h", Role: models.RoleUser,
	})
	assert.Error(t, err)

	_, err = store.CreateCustomer(ctx, &models.Customer{
		CustomerID: "CUST2", Username: "user", PasswordHash: "h", Role: models.RoleUser,
	})
	assert.Error(t, err)

	got, err := store.GetCustomerByCustomerID(ctx, "CUST1")
	require.NoError(t, err)
	assert.Equal(t, "user", got.Username)
}

package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/brokerage/internal/models"
)

// Postgres-backed tests. They run against the database named by DATABASE_URL
// and skip when it is unset.
var testDB *DB

func TestMain(m *testing.M) {
	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		os.Exit(m.Run())
	}

	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Apply migration if not already applied
	migration, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read migration: %v\n", err)
		os.Exit(1)
	}
	_, err = pool.Exec(context.Background(), string(migration))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	testDB = &DB{Pool: pool}
	// Truncate tables before running tests
	_, err = pool.Exec(context.Background(), "TRUNCATE TABLE customers, assets, orders, withdrawals RESTART IDENTITY CASCADE")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to truncate tables: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func requireDB(t *testing.T) *DB {
	t.Helper()
	if testDB == nil {
		t.Skip("DATABASE_URL not set; skipping postgres tests")
	}
	return testDB
}

func createTestCustomer(t *testing.T, db *DB, customerID, username string) {
	t.Helper()
	_, err := db.CreateCustomer(context.Background(), &models.Customer{
		CustomerID:   customerID,
		Username:     username,
		PasswordHash: "hash",
		Role:         models.RoleUser,
	})
	require.NoError(t, err)
}

func TestDB_Customers(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	createTestCustomer(t, db, "DBC1", "dbc1user")

	byName, err := db.GetCustomerByUsername(ctx, "dbc1user")
	require.NoError(t, err)
	assert.Equal(t, "DBC1", byName.CustomerID)
	assert.Equal(t, models.RoleUser, byName.Role)
	assert.False(t, byName.CreatedAt.IsZero())

	byID, err := db.GetCustomerByCustomerID(ctx, "DBC1")
	require.NoError(t, err)
	assert.Equal(t, byName.ID, byID.ID)

	_, err = db.GetCustomerByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_AssetUpsertAndLockedRead(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	createTestCustomer(t, db, "DBC2", "dbc2user")

	err := db.InTx(ctx, func(uow UnitOfWork) error {
		return uow.UpsertAsset(ctx, &models.Asset{
			CustomerID: "DBC2",
			AssetName:  models.SettlementCurrency,
			Size:       decimal.RequireFromString("100.50"),
			UsableSize: decimal.RequireFromString("100.50"),
		})
	})
	require.NoError(t, err)

	// Update through the locked read path
	err = db.InTx(ctx, func(uow UnitOfWork) error {
		a, err := uow.GetAssetForUpdate(ctx, "DBC2", models.SettlementCurrency)
		if err != nil {
			return err
		}
		a.UsableSize = a.UsableSize.Sub(decimal.NewFromInt(50))
		return uow.UpsertAsset(ctx, a)
	})
	require.NoError(t, err)

	a, err := db.GetAsset(ctx, "DBC2", models.SettlementCurrency)
	require.NoError(t, err)
	assert.True(t, a.Size.Equal(decimal.RequireFromString("100.5")), "size %s", a.Size)
	assert.True(t, a.UsableSize.Equal(decimal.RequireFromString("50.5")), "usable %s", a.UsableSize)

	_, err = db.GetAsset(ctx, "DBC2", "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_InTx_RollsBackOnError(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	createTestCustomer(t, db, "DBC3", "dbc3user")

	boom := errors.New("boom")
	err := db.InTx(ctx, func(uow UnitOfWork) error {
		if err := uow.UpsertAsset(ctx, &models.Asset{
			CustomerID: "DBC3",
			AssetName:  models.SettlementCurrency,
			Size:       decimal.NewFromInt(10),
			UsableSize: decimal.NewFromInt(10),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.GetAsset(ctx, "DBC3", models.SettlementCurrency)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_Orders(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	createTestCustomer(t, db, "DBC4", "dbc4user")

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var firstID int64
	for i := 0; i < 3; i++ {
		err := db.InTx(ctx, func(uow UnitOfWork) error {
			o, err := uow.InsertOrder(ctx, &models.Order{
				CustomerID: "DBC4",
				AssetName:  "THYAO",
				Side:       models.SideBuy,
				Size:       decimal.NewFromInt(1),
				Price:      decimal.NewFromInt(100),
				Status:     models.StatusPending,
				CreateDate: base.AddDate(0, 0, i),
			})
			if err != nil {
				return err
			}
			if i == 0 {
				firstID = o.ID
			}
			return nil
		})
		require.NoError(t, err)
	}

	got, err := db.GetOrder(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(100)))

	all, err := db.ListOrders(ctx, OrderFilter{CustomerID: "DBC4"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreateDate.Before(all[1].CreateDate))

	// Inclusive range keeps the first two
	from := base
	to := base.AddDate(0, 0, 1)
	ranged, err := db.ListOrders(ctx, OrderFilter{CustomerID: "DBC4", From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)

	// Status update through the locked read path
	err = db.InTx(ctx, func(uow UnitOfWork) error {
		o, err := uow.GetOrderForUpdate(ctx, firstID)
		if err != nil {
			return err
		}
		o.Status = models.StatusCanceled
		return uow.UpdateOrder(ctx, o)
	})
	require.NoError(t, err)

	got, err = db.GetOrder(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, got.Status)

	_, err = db.GetOrder(ctx, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_Withdrawals(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	createTestCustomer(t, db, "DBC5", "dbc5user")

	w := &models.Withdrawal{
		CustomerID: "DBC5",
		Amount:     decimal.NewFromInt(250),
		IBAN:       "TR330006100519786457841326",
	}
	err := db.InTx(ctx, func(uow UnitOfWork) error {
		w.ID = uuid.New()
		return uow.InsertWithdrawal(ctx, w)
	})
	require.NoError(t, err)
	assert.False(t, w.CreatedAt.IsZero())
}

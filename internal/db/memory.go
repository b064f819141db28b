package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtrntr/brokerage/internal/models"
)

// MemStore is an in-memory Store. It backs the service and handler tests and
// DATABASE_URL=memory local runs; it is not meant for durable deployments.
// A single mutex serializes transactions, and InTx stages all writes on a
// copy of the state so a failing callback leaves nothing behind.
type MemStore struct {
	mu sync.Mutex
	st memState
}

type memState struct {
	customers   map[string]models.Customer // keyed by customer_id
	assets      map[string]models.Asset    // keyed by customer_id + "/" + asset_name
	orders      map[int64]models.Order
	withdrawals []models.Withdrawal
	nextAssetID int64
	nextOrderID int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{st: memState{
		customers:   make(map[string]models.Customer),
		assets:      make(map[string]models.Asset),
		orders:      make(map[int64]models.Order),
		nextAssetID: 1,
		nextOrderID: 1,
	}}
}

func assetKey(customerID, assetName string) string {
	return customerID + "/" + assetName
}

func (s *memState) clone() memState {
	out := memState{
		customers:   make(map[string]models.Customer, len(s.customers)),
		assets:      make(map[string]models.Asset, len(s.assets)),
		orders:      make(map[int64]models.Order, len(s.orders)),
		withdrawals: append([]models.Withdrawal(nil), s.withdrawals...),
		nextAssetID: s.nextAssetID,
		nextOrderID: s.nextOrderID,
	}
	for k, v := range s.customers {
		out.customers[k] = v
	}
	for k, v := range s.assets {
		out.assets[k] = v
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	return out
}

// InTx stages fn's writes on a copy of the state and commits them only if fn
// succeeds, mirroring the rollback behavior of the pgx store.
func (s *MemStore) InTx(ctx context.Context, fn func(uow UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.st.clone()
	if err := fn(&memUnitOfWork{st: &staged}); err != nil {
		return err
	}
	s.st = staged
	return nil
}

// CreateCustomer inserts a new customer.
func (s *MemStore) CreateCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.customers[c.CustomerID]; ok {
		return nil, fmt.Errorf("customer %q already exists", c.CustomerID)
	}
	for _, existing := range s.st.customers {
		if existing.Username == c.Username {
			return nil, fmt.Errorf("username %q already exists", c.Username)
		}
	}
	out := *c
	out.ID = int64(len(s.st.customers) + 1)
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	s.st.customers[out.CustomerID] = out
	return &out, nil
}

func (s *MemStore) GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.st.customers {
		if c.Username == username {
			out := c
			return &out, nil
		}
	}
	return nil, fmt.Errorf("customer %q: %w", username, ErrNotFound)
}

func (s *MemStore) GetCustomerByCustomerID(ctx context.Context, customerID string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.st.customers[customerID]
	if !ok {
		return nil, fmt.Errorf("customer %q: %w", customerID, ErrNotFound)
	}
	out := c
	return &out, nil
}

func (s *MemStore) ListAssets(ctx context.Context, customerID string) ([]models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var assets []models.Asset
	for _, a := range s.st.assets {
		if a.CustomerID == customerID {
			assets = append(assets, a)
		}
	}
	return assets, nil
}

func (s *MemStore) GetAsset(ctx context.Context, customerID, assetName string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getAsset(customerID, assetName)
}

func (s *MemStore) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getOrder(orderID)
}

func (s *MemStore) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.st.orders {
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		if f.From != nil && o.CreateDate.Before(*f.From) {
			continue
		}
		if f.To != nil && o.CreateDate.After(*f.To) {
			continue
		}
		orders = append(orders, o)
	}
	// Oldest first, same as the SQL store.
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreateDate.Before(orders[j].CreateDate)
	})
	return orders, nil
}

// Withdrawals returns the audit trail for a customer, for tests.
func (s *MemStore) Withdrawals(customerID string) []models.Withdrawal {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Withdrawal
	for _, w := range s.st.withdrawals {
		if w.CustomerID == customerID {
			out = append(out, w)
		}
	}
	return out
}

func (s *memState) getAsset(customerID, assetName string) (*models.Asset, error) {
	a, ok := s.assets[assetKey(customerID, assetName)]
	if !ok {
		return nil, fmt.Errorf("asset %s/%s: %w", customerID, assetName, ErrNotFound)
	}
	out := a
	return &out, nil
}

func (s *memState) getOrder(orderID int64) (*models.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	out := o
	return &out, nil
}

type memUnitOfWork struct {
	st *memState
}

var _ UnitOfWork = (*memUnitOfWork)(nil)

func (u *memUnitOfWork) GetAssetForUpdate(ctx context.Context, customerID, assetName string) (*models.Asset, error) {
	return u.st.getAsset(customerID, assetName)
}

func (u *memUnitOfWork) UpsertAsset(ctx context.Context, a *models.Asset) error {
	key := assetKey(a.CustomerID, a.AssetName)
	if existing, ok := u.st.assets[key]; ok {
		a.ID = existing.ID
	} else {
		a.ID = u.st.nextAssetID
		u.st.nextAssetID++
	}
	u.st.assets[key] = *a
	return nil
}

func (u *memUnitOfWork) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	out := *o
	out.ID = u.st.nextOrderID
	u.st.nextOrderID++
	u.st.orders[out.ID] = out
	return &out, nil
}

func (u *memUnitOfWork) GetOrderForUpdate(ctx context.Context, orderID int64) (*models.Order, error) {
	return u.st.getOrder(orderID)
}

func (u *memUnitOfWork) UpdateOrder(ctx context.Context, o *models.Order) error {
	if _, ok := u.st.orders[o.ID]; !ok {
		return fmt.Errorf("order %d: %w", o.ID, ErrNotFound)
	}
	u.st.orders[o.ID] = *o
	return nil
}

func (u *memUnitOfWork) InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	u.st.withdrawals = append(u.st.withdrawals, *w)
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementCurrency is the single cash currency all orders are priced and
// settled in. Deposits and withdrawals move this asset.
const SettlementCurrency = "TRY"

// Customer roles
const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order statuses. MATCHED and CANCELED are terminal.
const (
	StatusPending  = "PENDING"
	StatusMatched  = "MATCHED"
	StatusCanceled = "CANCELED"
)

// Customer is a registered account holder, created at provisioning time and
// immutable afterwards.
type Customer struct {
	ID           int64     `json:"-"`
	CustomerID   string    `json:"customerId"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Asset is a per-customer balance for one asset name. UsableSize is the part
// of Size not reserved by pending orders; UsableSize <= Size always holds.
type Asset struct {
	ID         int64           `json:"-"`
	CustomerID string          `json:"customerId"`
	AssetName  string          `json:"assetName"`
	Size       decimal.Decimal `json:"size"`
	UsableSize decimal.Decimal `json:"usableSize"`
}

// Order is a request to buy or sell Size units of AssetName at Price TRY each.
type Order struct {
	ID         int64           `json:"id"`
	CustomerID string          `json:"customerId"`
	AssetName  string          `json:"assetName"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
	Status     string          `json:"status"`
	CreateDate time.Time       `json:"createDate"`
}

// Total returns the order's settlement-currency value, Size * Price.
func (o *Order) Total() decimal.Decimal {
	return o.Size.Mul(o.Price)
}

// Withdrawal is an audit record of a cash withdrawal and its destination.
// The IBAN is recorded only; no external transfer is performed.
type Withdrawal struct {
	ID         uuid.UUID       `json:"id"`
	CustomerID string          `json:"customerId"`
	Amount     decimal.Decimal `json:"amount"`
	IBAN       string          `json:"iban"`
	CreatedAt  time.Time       `json:"createdAt"`
}

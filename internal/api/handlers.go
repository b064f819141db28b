package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/brokerage/internal/assets"
	"github.com/xtrntr/brokerage/internal/auth"
	"github.com/xtrntr/brokerage/internal/db"
	"github.com/xtrntr/brokerage/internal/orders"
)

// ErrForbidden marks callers that are authenticated but not allowed to touch
// the target customer's data.
var ErrForbidden = errors.New("forbidden")

type ctxKey int

const principalKey ctxKey = 0

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store  db.Store
	Assets *assets.Service
	Orders *orders.Service
	Auth   *auth.AuthService
	Logger *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(store db.Store, assetSvc *assets.Service, orderSvc *orders.Service, authSvc *auth.AuthService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Assets: assetSvc, Orders: orderSvc, Auth: authSvc, Logger: logger}
}

// Routes mounts the full API surface on a fresh router.
func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Post("/api/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Get("/api/assets", h.ListAssets)
		r.Post("/api/assets/deposit", h.Deposit)
		r.Post("/api/assets/withdraw", h.Withdraw)

		r.Post("/api/orders", h.CreateOrder)
		r.Get("/api/orders", h.ListOrders)
		r.Delete("/api/orders/{orderId}", h.CancelOrder)

		r.Group(func(r chi.Router) {
			r.Use(h.AdminOnly)
			r.Post("/api/admin/orders/{orderId}/match", h.MatchOrder)
		})
	})

	return r
}

// writeError maps each failure kind to its HTTP status and a stable code.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, db.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, db.ErrInsufficientBalance):
		status, code = http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"
	case errors.Is(err, db.ErrOrderNotPending):
		status, code = http.StatusConflict, "ORDER_NOT_PENDING"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		status, code = http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, assets.ErrInvalidAmount), errors.Is(err, orders.ErrInvalidOrder):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	default:
		status, code = http.StatusInternalServerError, "INTERNAL"
		h.Logger.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// AuthMiddleware verifies the bearer token and stores the caller identity in
// the request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenString == "" {
			h.writeError(w, auth.ErrInvalidToken)
			return
		}

		principal, err := h.Auth.ParseToken(tokenString)
		if err != nil {
			h.writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects callers without the administrative role.
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			h.writeError(w, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(auth.Principal)
	return p, ok
}

// authorizeCustomer allows admins through and otherwise requires the caller's
// login name to match the target customer's registered username.
func (h *Handler) authorizeCustomer(ctx context.Context, customerID string) error {
	p, ok := principalFrom(ctx)
	if !ok {
		return auth.ErrInvalidToken
	}

	customer, err := h.Store.GetCustomerByCustomerID(ctx, customerID)
	if err != nil {
		return err
	}
	if !p.IsAdmin() && customer.Username != p.Username {
		return ErrForbidden
	}
	return nil
}

// Login handles credential verification and token issuance
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ListAssets returns all asset balances for a customer
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customerId")
	if customerID == "" {
		http.Error(w, `{"error": "customerId is required"}`, http.StatusBadRequest)
		return
	}
	if err := h.authorizeCustomer(r.Context(), customerID); err != nil {
		h.writeError(w, err)
		return
	}

	list, err := h.Assets.List(r.Context(), customerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Deposit credits the customer's settlement balance
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string          `json:"customerId"`
		Amount     decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := h.authorizeCustomer(r.Context(), req.CustomerID); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.Assets.Deposit(r.Context(), req.CustomerID, req.Amount); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Withdraw debits the customer's settlement balance
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string          `json:"customerId"`
		Amount     decimal.Decimal `json:"amount"`
		IBAN       string          `json:"iban"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := h.authorizeCustomer(r.Context(), req.CustomerID); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.Assets.Withdraw(r.Context(), req.CustomerID, req.Amount, req.IBAN); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CreateOrder places a new order for the customer
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string          `json:"customerId"`
		AssetName  string          `json:"assetName"`
		Side       string          `json:"side"`
		Size       decimal.Decimal `json:"size"`
		Price      decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := h.authorizeCustomer(r.Context(), req.CustomerID); err != nil {
		h.writeError(w, err)
		return
	}

	order, err := h.Orders.Create(r.Context(), orders.CreateRequest{
		CustomerID: req.CustomerID,
		AssetName:  req.AssetName,
		Side:       req.Side,
		Size:       req.Size,
		Price:      req.Price,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders returns orders, optionally filtered by customer and date range.
// Omitting customerId requires the administrative role.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	customerID := q.Get("customerId")

	if customerID == "" {
		p, ok := principalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			h.writeError(w, ErrForbidden)
			return
		}
	} else if err := h.authorizeCustomer(r.Context(), customerID); err != nil {
		h.writeError(w, err)
		return
	}

	filter := db.OrderFilter{CustomerID: customerID}
	if raw := q.Get("startDate"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, `{"error": "startDate must be RFC3339"}`, http.StatusBadRequest)
			return
		}
		filter.From = &t
	}
	if raw := q.Get("endDate"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, `{"error": "endDate must be RFC3339"}`, http.StatusBadRequest)
			return
		}
		filter.To = &t
	}

	list, err := h.Orders.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CancelOrder cancels a pending order owned by the caller
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderId"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	// Ownership check against the order's customer before touching state.
	order, err := h.Orders.Get(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.authorizeCustomer(r.Context(), order.CustomerID); err != nil {
		h.writeError(w, err)
		return
	}

	canceled, err := h.Orders.Cancel(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, canceled)
}

// MatchOrder settles a pending order. Admin only.
func (h *Handler) MatchOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderId"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	matched, err := h.Orders.Match(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matched)
}

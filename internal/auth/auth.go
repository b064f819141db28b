package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/brokerage/internal/db"
	"github.com/xtrntr/brokerage/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials covers both unknown usernames and password
// mismatches so callers cannot tell the two apart.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidToken rejects missing, malformed, or expired tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

const tokenTTL = 24 * time.Hour

// Principal is the authenticated caller identity carried through request
// contexts.
type Principal struct {
	CustomerID string
	Username   string
	Role       string
}

// IsAdmin reports whether the caller holds the administrative role.
func (p Principal) IsAdmin() bool {
	return p.Role == models.RoleAdmin
}

// CustomerSource looks up registered customers by login name.
type CustomerSource interface {
	GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error)
}

// AuthService verifies credentials and issues signed tokens.
type AuthService struct {
	customers CustomerSource
	secret    []byte
}

// NewAuthService creates an auth service signing tokens with secret.
func NewAuthService(customers CustomerSource, secret []byte) *AuthService {
	return &AuthService{customers: customers, secret: secret}
}

// HashPassword returns the bcrypt hash stored for new customers.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Login verifies the credentials and returns a signed JWT carrying the
// customer id, username, and role.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	customer, err := s.customers.GetCustomerByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(customer.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"customer_id": customer.CustomerID,
		"username":    customer.Username,
		"role":        customer.Role,
		"exp":         time.Now().Add(tokenTTL).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ParseToken validates a token and extracts the caller identity.
func (s *AuthService) ParseToken(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}

	p := Principal{}
	if p.CustomerID, ok = claims["customer_id"].(string); !ok {
		return Principal{}, ErrInvalidToken
	}
	if p.Username, ok = claims["username"].(string); !ok {
		return Principal{}, ErrInvalidToken
	}
	if p.Role, ok = claims["role"].(string); !ok {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

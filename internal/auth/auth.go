package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/brokerage/internal/apperr"
	"github.com/xtrntr/brokerage/internal/models"
)

const DefaultTokenTTL = 24 * time.Hour

// CustomerStore is what authentication needs from storage
type CustomerStore interface {
	CreateCustomer(ctx context.Context, username, passwordHash string, role models.Role) (*models.Customer, error)
	GetCustomerByUsername(ctx context.Context, username string) (*models.Customer, error)
}

// Principal is the authenticated caller carried by a token
type Principal struct {
	CustomerID uuid.UUID
	Username   string
	Role       models.Role
}

// IsAdmin reports whether the caller may act on any customer
func (p Principal) IsAdmin() bool {
	return p.Role == models.RoleAdmin
}

// CanAccess reports whether the caller may act on customerID's data
func (p Principal) CanAccess(customerID uuid.UUID) bool {
	return p.IsAdmin() || p.CustomerID == customerID
}

type claims struct {
	CustomerID string `json:"customer_id"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// AuthService handles customer authentication
type AuthService struct {
	store  CustomerStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthService creates a new auth service. A zero ttl uses DefaultTokenTTL.
func NewAuthService(store CustomerStore, secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &AuthService{
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Register creates a new customer with a hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.Customer, error) {
	return s.create(ctx, username, password, models.RoleCustomer)
}

// RegisterAdmin creates an administrator. Only used by the seed command.
func (s *AuthService) RegisterAdmin(ctx context.Context, username, password string) (*models.Customer, error) {
	return s.create(ctx, username, password, models.RoleAdmin)
}

func (s *AuthService) create(ctx context.Context, username, password string, role models.Role) (*models.Customer, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.InvalidArgument("username cannot be empty")
	}
	if password == "" {
		return nil, apperr.InvalidArgument("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, apperr.InvalidArgument("username too long (max 50 characters)")
	}
	// bcrypt ignores everything past 72 bytes
	if len(password) > 72 {
		return nil, apperr.InvalidArgument("password too long (max 72 characters)")
	}

	hashed, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return s.store.CreateCustomer(ctx, username, hashed, role)
}

// Login verifies credentials and returns a signed JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	c, err := s.store.GetCustomerByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", apperr.Unauthorized("invalid username or password")
		}
		return "", err
	}
	if !c.Enabled {
		return "", apperr.Unauthorized("account disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)); err != nil {
		return "", apperr.Unauthorized("invalid username or password")
	}
	return s.IssueToken(*c)
}

// IssueToken signs a token for c
func (s *AuthService) IssueToken(c models.Customer) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		CustomerID: c.ID.String(),
		Username:   c.Username,
		Role:       string(c.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates tokenString and returns its principal
func (s *AuthService) ParseToken(tokenString string) (Principal, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Principal{}, apperr.Unauthorized("invalid token")
	}

	id, err := uuid.Parse(c.CustomerID)
	if err != nil {
		return Principal{}, apperr.Unauthorized("invalid token")
	}
	role := models.Role(c.Role)
	if role != models.RoleCustomer && role != models.RoleAdmin {
		return Principal{}, apperr.Unauthorized("invalid token")
	}
	return Principal{CustomerID: id, Username: c.Username, Role: role}, nil
}

// Package service contains the admin authentication flow: bcrypt password
// verification and JWT session tokens for the operator API.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tattty/keygate/internal/model"
	"github.com/tattty/keygate/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
)

// AdminPrincipal identifies an authenticated operator.
type AdminPrincipal struct {
	AdminID int64
	Email   string
}

// AuthService authenticates operators and manages their session tokens.
type AuthService struct {
	store     *store.Store
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewAuthService creates an AuthService.
func NewAuthService(st *store.Store, jwtSecret string, jwtExpiry time.Duration) *AuthService {
	if jwtExpiry <= 0 {
		jwtExpiry = 24 * time.Hour
	}
	return &AuthService{
		store:     st,
		jwtSecret: []byte(jwtSecret),
		jwtExpiry: jwtExpiry,
	}
}

// Login verifies an operator's email and password and returns the account.
// All failure modes collapse to ErrInvalidCredentials except a disabled
// account, which the operator is allowed to learn about.
func (s *AuthService) Login(ctx context.Context, email, password string) (*model.Admin, error) {
	admin, err := s.store.GetAdminByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn a bcrypt comparison so a missing account costs the same
			// as a wrong password.
			bcrypt.CompareHashAndPassword(decoyBcryptHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !admin.IsActive {
		return nil, ErrAccountDisabled
	}

	_ = s.store.UpdateAdminLastLogin(ctx, admin.ID)
	return admin, nil
}

// decoyBcryptHash is a valid bcrypt hash of an unguessable value, used only
// to equalize login timing when the account does not exist.
var decoyBcryptHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// HashPassword computes the bcrypt hash stored for admin passwords.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// TokenExpiry returns the configured session token lifetime.
func (s *AuthService) TokenExpiry() time.Duration {
	return s.jwtExpiry
}

// IssueJWT creates a signed session token for the given admin.
func (s *AuthService) IssueJWT(adminID int64, email string) (string, error) {
	return s.issueJWT(adminID, email, s.jwtExpiry)
}

func (s *AuthService) issueJWT(adminID int64, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		AdminID: adminID,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keygate",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateJWT verifies a session token and returns the operator identity.
func (s *AuthService) ValidateJWT(tokenStr string) (*AdminPrincipal, error) {
	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return &AdminPrincipal{AdminID: claims.AdminID, Email: claims.Email}, nil
}

type jwtClaims struct {
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	jwt.RegisteredClaims
}

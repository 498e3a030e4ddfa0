package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrKeyRevoked         = errors.New("api key revoked")
	ErrUserDisabled       = errors.New("user disabled")
)

// API keys are "nxg_live_" followed by 40 hex characters. The first
// KeyPrefixLen characters are stored in clear for display and revocation.
const (
	KeyScheme    = "nxg_live_"
	KeyPrefixLen = 16
	keyRandBytes = 20

	// MinPasswordLen is the shortest accepted password.
	MinPasswordLen = 8
)

// Principal is the identity carried by a valid bearer token.
type Principal struct {
	UserID int64
	Email  string
	Role   string
}

// IsAdmin reports whether the principal may perform writes.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == model.RoleAdmin
}

type AuthService struct {
	store     *config.Store
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewAuthService(store *config.Store, jwtSecret string, tokenTTL time.Duration) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthService{
		store:     store,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

// TokenTTL returns the lifetime of issued tokens.
func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Register creates a user. The first user of an instance becomes an admin,
// everyone after that a viewer. Duplicate emails fail with config.ErrConflict.
func (s *AuthService) Register(ctx context.Context, email, name, password string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required: %w", config.ErrInvalid)
	}
	if len(password) < MinPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters: %w", MinPasswordLen, config.ErrInvalid)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	hasUsers, err := s.store.HasAnyUser(ctx)
	if err != nil {
		return nil, err
	}
	role := model.RoleViewer
	if !hasUsers {
		role = model.RoleAdmin
	}

	user := &model.User{
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// SignIn checks credentials and returns the user with a fresh token.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (*model.User, string, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if !CheckPassword(user.PasswordHash, password) {
		return nil, "", ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, "", ErrUserDisabled
	}

	token, err := s.IssueJWT(ctx, user)
	if err != nil {
		return nil, "", err
	}
	if err := s.store.UpdateUserLastLogin(ctx, user.ID); err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	user.LastLoginAt = &now
	return user, token, nil
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// ValidateJWT verifies a bearer token and returns its principal.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*Principal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidCredentials
	}

	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &Principal{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

// IssueJWT creates a signed token for user valid for the service's TTL.
func (s *AuthService) IssueJWT(ctx context.Context, user *model.User) (string, error) {
	return s.issue(user, s.tokenTTL)
}

func (s *AuthService) issue(user *model.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "nexusgate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	UserID int64  `json:"uid"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// GenerateAPIKey returns a new raw key and its display prefix.
func GenerateAPIKey() (raw, prefix string, err error) {
	b := make([]byte, keyRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = KeyScheme + hex.EncodeToString(b)
	return raw, raw[:KeyPrefixLen], nil
}

// ValidateAPIKey looks up rawKey and reports its status. A valid key has its
// last-used time stamped. Unknown keys are reported as invalid without error.
func (s *AuthService) ValidateAPIKey(ctx context.Context, rawKey string) (*model.KeyValidation, error) {
	key, err := s.store.GetAPIKeyByHash(ctx, config.HashAPIKey(rawKey))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return &model.KeyValidation{Valid: false}, nil
		}
		return nil, err
	}

	status := key.Status(time.Now())
	v := &model.KeyValidation{
		Valid:     status == model.KeyStatusActive,
		Status:    status,
		KeyID:     key.ID,
		KeyPrefix: key.KeyPrefix,
	}
	if v.Valid {
		if err := s.store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
			return nil, err
		}
	}
	return v, nil
}

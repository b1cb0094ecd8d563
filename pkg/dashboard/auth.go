package dashboard

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when the operator username/password
// pair does not match the configured credential.
var ErrInvalidCredentials = errors.New("dashboard: invalid credentials")

// ErrInvalidToken is returned for any bearer token that fails parsing,
// signature verification, or has expired.
var ErrInvalidToken = errors.New("dashboard: invalid or expired token")

// Claims is the JWT payload issued to the single dashboard operator.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthService authenticates the single configured dashboard operator and
// issues/validates JWT bearer tokens, adapted from the teacher's
// Protei_Monitoring/bin/pkg/auth package but reduced to one operator
// credential rather than a multi-user/role store (spec.md SPEC_FULL
// §4.13: the dashboard gates read-only observability endpoints, not a
// full RBAC surface).
type AuthService struct {
	username     string
	passwordHash string
	jwtSecret    []byte
	tokenExpiry  time.Duration
}

// NewAuthService builds an AuthService for the given operator credential.
func NewAuthService(username, passwordHash, jwtSecret string, tokenExpiry time.Duration) *AuthService {
	return &AuthService{
		username:     username,
		passwordHash: passwordHash,
		jwtSecret:    []byte(jwtSecret),
		tokenExpiry:  tokenExpiry,
	}
}

// HashPassword bcrypt-hashes a plaintext password for storage in config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("dashboard: hashing password: %w", err)
	}
	return string(hash), nil
}

// Login verifies username/password and returns a signed JWT bearer token.
func (a *AuthService) Login(username, password string) (string, error) {
	if username != a.username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("dashboard: signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a bearer token, returning its username.
func (a *AuthService) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Username, nil
}

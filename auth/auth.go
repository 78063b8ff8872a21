// Package auth issues and verifies the bearer tokens guarding admin
// operations, and hashes the API keys handed to registered agents.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidToken signals a missing, malformed, or expired token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden signals a valid token with an insufficient role.
	ErrForbidden = errors.New("auth: insufficient role")
)

// Role is the caller class encoded in a token.
type Role string

const (
	// RoleAdmin may trigger anchoring and register agents.
	RoleAdmin Role = "admin"
	// RoleAgent identifies a registered service agent.
	RoleAgent Role = "agent"
)

func isValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleAgent:
		return true
	default:
		return false
	}
}

// tokenTTL bounds how long a minted token stays valid.
const tokenTTL = 24 * time.Hour

// Service mints and verifies HS256 bearer tokens.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

// NewService creates a token service around a shared HMAC secret.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// MintToken creates a signed token for the subject with the given role.
func (s *Service) MintToken(subject string, role Role) (string, error) {
	if !isValidRole(role) {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"exp":  now.Add(tokenTTL).Unix(),
		"iat":  now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns its subject and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	subject, ok := claims["sub"].(string)
	if !ok {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleStr)
	}
	return subject, role, nil
}

// RequireAdmin verifies the token and rejects non-admin roles.
func (s *Service) RequireAdmin(tokenString string) (string, error) {
	subject, role, err := s.VerifyToken(tokenString)
	if err != nil {
		return "", err
	}
	if role != RoleAdmin {
		return "", ErrForbidden
	}
	return subject, nil
}

// HashAPIKey produces the bcrypt hash stored for an agent's API key.
func HashAPIKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("auth: api key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash api key: %w", err)
	}
	return string(hash), nil
}

// CheckAPIKey reports whether the key matches the stored hash.
func CheckAPIKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

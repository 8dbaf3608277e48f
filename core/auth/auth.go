package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer        = "soundslice"
	userAudience  = "soundslice:user"
	grantAudience = "soundslice:snippet"

	defaultUserTTL  = 7 * 24 * time.Hour
	defaultGrantTTL = 24 * time.Hour
)

// ErrInvalidToken covers malformed, expired and wrongly signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// Claims 用户访问令牌声明
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// GrantClaims 片段访问授权声明，绑定到具体的片段 ref
type GrantClaims struct {
	Ref string `json:"ref"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 tokens with one shared secret.
type Manager struct {
	secret   []byte
	userTTL  time.Duration
	grantTTL time.Duration
	now      func() time.Time
}

// NewManager 创建令牌管理器
func NewManager(secret string) *Manager {
	return &Manager{
		secret:   []byte(secret),
		userTTL:  defaultUserTTL,
		grantTTL: defaultGrantTTL,
		now:      time.Now,
	}
}

func (m *Manager) registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := m.now()
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (m *Manager) sign(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (m *Manager) parse(token string, claims jwt.Claims, audience string) error {
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// GenerateToken 生成用户访问令牌
func (m *Manager) GenerateToken(userID, username string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidToken)
	}
	return m.sign(&Claims{
		UserID:           userID,
		Username:         username,
		RegisteredClaims: m.registered(userID, userAudience, m.userTTL),
	})
}

// ParseToken 校验并解析用户访问令牌
func (m *Manager) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	if err := m.parse(token, claims, userAudience); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

// IssueGrant 为片段 ref 签发访问授权
func (m *Manager) IssueGrant(ref, userID string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty ref", ErrInvalidToken)
	}
	return m.sign(&GrantClaims{
		Ref:              ref,
		RegisteredClaims: m.registered(userID, grantAudience, m.grantTTL),
	})
}

// VerifyGrant checks that grant was issued for ref and is still valid.
func (m *Manager) VerifyGrant(grant, ref string) error {
	claims := &GrantClaims{}
	if err := m.parse(grant, claims, grantAudience); err != nil {
		return err
	}
	if claims.Ref != ref {
		return fmt.Errorf("%w: grant is for a different snippet", ErrInvalidToken)
	}
	return nil
}

package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/types"
)

// claims is the expected shape of the bearer token's payload.
type claims struct {
	TenantID    string   `json:"tenantId"`
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Authenticator validates a bearer token against a shared secret,
// producing the opaque AuthContext the rest of the gateway consumes.
// Everything past token verification is someone else's problem.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator over the configured JWT secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate parses and verifies an "Authorization: Bearer <token>"
// header value into an AuthContext.
func (a *Authenticator) Authenticate(header string) (*types.AuthContext, error) {
	tokenStr := strings.TrimPrefix(header, "Bearer ")
	if tokenStr == header || tokenStr == "" {
		return nil, errors.New(errors.CodeAuthInvalidToken, "missing or malformed authorization header")
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New(errors.CodeAuthInvalidToken, "unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, errors.Wrap(errors.CodeAuthTokenExpired, "token expired", err)
		}
		return nil, errors.Wrap(errors.CodeAuthInvalidToken, "token validation failed", err)
	}
	if !token.Valid {
		return nil, errors.New(errors.CodeAuthInvalidToken, "invalid token")
	}
	if c.TenantID == "" {
		return nil, errors.New(errors.CodeAuthInvalidToken, "token missing tenantId claim")
	}

	sum := sha256.Sum256([]byte(tokenStr))
	return &types.AuthContext{
		TenantID:    c.TenantID,
		UserID:      c.UserID,
		Permissions: c.Permissions,
		TokenHash:   hex.EncodeToString(sum[:]),
	}, nil
}

package server

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// OperatorClaims are the JWT claims for an operator session. Tenants limits
// which tenant ledgers the token may touch; an empty list grants all.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Operator string   `json:"operator"`
	Tenants  []string `json:"tenants,omitempty"`
}

// AllowsTenant reports whether the token may act on the tenant.
func (c *OperatorClaims) AllowsTenant(tenant string) bool {
	if len(c.Tenants) == 0 {
		return true
	}
	for _, t := range c.Tenants {
		if t == tenant {
			return true
		}
	}
	return false
}

// TokenIssuer issues and verifies operator session JWTs with an RSA key.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. With a nil private key the issuer can
// only verify.
func NewTokenIssuer(key *rsa.PrivateKey, pub *rsa.PublicKey, issuer string, ttl time.Duration) *TokenIssuer {
	if key != nil {
		pub = &key.PublicKey
	}
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &TokenIssuer{key: key, pub: pub, issuer: issuer, ttl: ttl}
}

// Issue creates a signed operator token scoped to the given tenants.
func (t *TokenIssuer) Issue(operator string, tenants []string) (string, error) {
	if t.key == nil {
		return "", fmt.Errorf("token issuer has no signing key")
	}
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Operator: operator,
		Tenants:  tenants,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign operator token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an operator token.
func (t *TokenIssuer) Verify(tokenStr string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&OperatorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify operator token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid operator token claims")
	}
	return claims, nil
}

const claimsKey = "operator_claims"

// RequireToken returns a middleware that authenticates requests with a
// bearer operator token. A nil issuer disables authentication; every request
// passes with unrestricted claims.
func RequireToken(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if issuer == nil {
			c.Set(claimsKey, &OperatorClaims{})
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := issuer.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// claimsFrom returns the operator claims set by RequireToken.
func claimsFrom(c *gin.Context) *OperatorClaims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*OperatorClaims); ok {
			return claims
		}
	}
	return &OperatorClaims{}
}

// requireTenant aborts with 403 unless the request's token covers the tenant.
func requireTenant(c *gin.Context, tenant string) bool {
	if claimsFrom(c).AllowsTenant(tenant) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "tenant not permitted for this token"})
	return false
}

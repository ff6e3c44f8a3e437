package integration

import (
	"crypto/rand"
	"maps"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Name      string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with a random shared key.
type tokenIssuer struct {
	key      []byte
	issuer   string
	audience string
}

// newTokenIssuer creates a token issuer with a fresh signing key.
func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	return &tokenIssuer{
		key:      key,
		issuer:   "https://auth.test.caseflow.dev",
		audience: "caseflow-test",
	}
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now, now.Add(1*time.Hour), ti.key)
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now.Add(-2*time.Hour), now.Add(-1*time.Hour), ti.key)
}

// GenerateForeignToken creates a JWT signed with a key the server does not
// know.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now, now.Add(1*time.Hour), []byte("not-the-server-key-not-the-server-key"))
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt, expiresAt time.Time, key []byte) string {
	mapClaims := jwt.MapClaims{
		"iss":  ti.issuer,
		"aud":  ti.audience,
		"iat":  jwt.NewNumericDate(issuedAt),
		"exp":  jwt.NewNumericDate(expiresAt),
		"sub":  claims.SubjectID,
		"name": claims.Name,
	}

	if len(claims.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}

	maps.Copy(mapClaims, claims.Extra)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// Key returns the shared signing key.
func (ti *tokenIssuer) Key() []byte {
	return ti.key
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}

package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "flowdesk-test-1"

// TestClaims describes the caller a test token is minted for.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer plays the identity provider: it signs tokens and publishes
// the matching key set.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     testKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal key set: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		key:      key,
		server:   srv,
		issuer:   "https://auth.test.flowdesk.dev",
		audience: "flowdesk-test",
	}
}

type tokenOption func(*tokenSpec)

type tokenSpec struct {
	issuedAt time.Time
	lifetime time.Duration
	signer   *rsa.PrivateKey
}

// expiredToken backdates the token so that it lapsed an hour ago.
func expiredToken() tokenOption {
	return func(s *tokenSpec) {
		s.issuedAt = s.issuedAt.Add(-2 * time.Hour)
	}
}

// signedBy signs with key while still naming the published key id.
func signedBy(key *rsa.PrivateKey) tokenOption {
	return func(s *tokenSpec) { s.signer = key }
}

func (ti *tokenIssuer) mint(claims TestClaims, opts ...tokenOption) string {
	spec := tokenSpec{issuedAt: time.Now(), lifetime: time.Hour, signer: ti.key}
	for _, opt := range opts {
		opt(&spec)
	}

	mc := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(spec.issuedAt),
		"exp":       jwt.NewNumericDate(spec.issuedAt.Add(spec.lifetime)),
		"sub":       claims.SubjectID,
		"tenant_id": claims.TenantID,
		"email":     claims.Email,
	}
	if len(claims.Roles) > 0 {
		// Decoded tokens carry roles as []any.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mc["roles"] = roles
	}
	maps.Copy(mc, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(spec.signer)
	if err != nil {
		panic("sign token: " + err.Error())
	}
	return signed
}

// GenerateToken mints a valid token for claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return ti.mint(claims)
}

// GenerateExpiredToken mints a token whose exp is an hour in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return ti.mint(claims, expiredToken())
}

// GenerateForeignToken mints a token under the published kid but signed by
// a key the issuer never published.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generate foreign key: " + err.Error())
	}
	return ti.mint(claims, signedBy(other))
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.server.URL }
func (ti *tokenIssuer) Issuer() string   { return ti.issuer }
func (ti *tokenIssuer) Audience() string { return ti.audience }

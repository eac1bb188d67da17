package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansa/internal/auth"
	"github.com/ashita-ai/kansa/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyAPIKey_MalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"no-separator",
		"salt$hash",
		"bcrypt$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"argon2id$v=16$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"argon2id$v=19$m=0,t=1,p=4$c2FsdA$aGFzaA",
		"argon2id$v=19$m=65536,t=1,p=4$!!$aGFzaA",
	} {
		_, err := auth.VerifyAPIKey("k", encoded)
		assert.Error(t, err, encoded)
	}
}

func TestVerifyAPIKey_HonoursRecordedParams(t *testing.T) {
	hash, err := auth.HashAPIKey("k")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$v=19$m=65536,t=1,p=4$"), hash)

	// Hashes are salted: the same key never encodes the same way twice.
	again, err := auth.HashAPIKey("k")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken(model.Principal{ID: "op-ana", Role: model.RoleOperator})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "op-ana", claims.Subject)
	assert.Equal(t, model.RoleOperator, claims.Principal().Role)
	assert.False(t, claims.Principal().Senior)

	token, _, err = mgr.IssueToken(model.Principal{ID: "senior-kim", Role: model.RoleOperator, Senior: true})
	require.NoError(t, err)
	claims, err = mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.Principal().Senior)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func validClaims(now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "agent-7",
		Issuer:    "kansa",
		Audience:  jwt.ClaimStrings{"kansa"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        uuid.New().String(),
	}
}

func TestValidateToken_Forged(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	now := time.Now().UTC()

	tests := []struct {
		name    string
		mutate  func(c *auth.Claims)
		wantErr string
	}{
		{"wrong issuer", func(c *auth.Claims) { c.Issuer = "not-kansa" }, "invalid issuer"},
		{"wrong audience", func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"elsewhere"} }, "validate token"},
		{"expired", func(c *auth.Claims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute)) }, "validate token"},
		{"bad subject", func(c *auth.Claims) { c.Subject = "has spaces" }, "invalid subject"},
		{"unknown role", func(c *auth.Claims) { c.Role = "root" }, "invalid role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &auth.Claims{RegisteredClaims: validClaims(now), Role: model.RoleAgent}
			tt.mutate(c)
			_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateToken_OtherKeyRejected(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token := forgeToken(t, otherKey, &auth.Claims{RegisteredClaims: validClaims(time.Now().UTC()), Role: model.RoleAdmin})
	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestRegistry(t *testing.T) {
	hash, err := auth.HashAPIKey("s3cret")
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "principals.yaml")
	doc := "principals:\n" +
		"  - id: op-ana\n    role: operator\n    api_key_hash: \"" + hash + "\"\n" +
		"  - id: senior-kim\n    role: operator\n    senior: true\n    api_key_hash: \"" + hash + "\"\n" +
		"  - id: agent-7\n    role: agent\n    api_key_hash: \"" + hash + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	reg, err := auth.LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())

	senior, err := reg.Authenticate("senior-kim", "s3cret")
	require.NoError(t, err)
	assert.True(t, senior.Senior)

	p, err := reg.Authenticate("op-ana", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, p.Role)

	_, err = reg.Authenticate("op-ana", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = reg.Authenticate("nobody", "s3cret")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	err = reg.Add(model.Principal{ID: "op-ana", Role: model.RoleReader, APIKeyHash: hash})
	assert.ErrorContains(t, err, "duplicate")
}

func TestNewRegistry_Invalid(t *testing.T) {
	_, err := auth.NewRegistry([]model.Principal{{ID: "x", Role: "root", APIKeyHash: "a$b"}})
	assert.ErrorContains(t, err, "unknown role")

	_, err = auth.NewRegistry([]model.Principal{{ID: "x", Role: model.RoleAgent}})
	assert.ErrorContains(t, err, "api_key_hash")

	_, err = auth.NewRegistry([]model.Principal{{ID: "x", Role: model.RoleAgent, Senior: true, APIKeyHash: "a$b"}})
	assert.ErrorContains(t, err, "senior")
}

func TestRoleAllows(t *testing.T) {
	assert.True(t, auth.RoleAllows(model.RoleAdmin, model.RoleOperator))
	assert.True(t, auth.RoleAllows(model.RoleOperator, model.RoleOperator, model.RoleReader))
	assert.False(t, auth.RoleAllows(model.RoleAgent, model.RoleOperator))
	assert.False(t, auth.RoleAllows(model.RoleReader))
}

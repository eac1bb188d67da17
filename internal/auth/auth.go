// Package auth authenticates kansa principals (agents, operators, readers
// and admins) and issues the bearer tokens the gateway checks on every call.
//
// Tokens are EdDSA (Ed25519) JWTs carrying the principal id as subject and
// its role and senior-reviewer membership as private claims.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/model"
)

const issuer = "kansa"

// clockSkew tolerated on exp/iat across a failover to a standby host.
const clockSkew = 30 * time.Second

// Claims are the JWT claims of a kansa token.
type Claims struct {
	jwt.RegisteredClaims
	Role   model.Role `json:"role"`
	Senior bool       `json:"senior,omitempty"`
}

// Principal returns the authenticated caller described by the claims.
func (c *Claims) Principal() model.Principal {
	return model.Principal{ID: c.Subject, Role: c.Role, Senior: c.Senior}
}

// JWTManager signs and checks principal tokens.
type JWTManager struct {
	signer     ed25519.PrivateKey
	verifier   ed25519.PublicKey
	parser     *jwt.Parser
	expiration time.Duration
}

// NewJWTManager loads the signing pair from PEM files written by
// scripts/genkey. With either path empty it generates a throwaway pair, so
// every token dies with the process.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	var (
		priv ed25519.PrivateKey
		pub  ed25519.PublicKey
		err  error
	)
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, tokens will not survive a restart")
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
	} else if priv, pub, err = loadKeyPair(privateKeyPath, publicKeyPath); err != nil {
		return nil, err
	}

	return &JWTManager{
		signer:   priv,
		verifier: pub,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(clockSkew),
		),
		expiration: expiration,
	}, nil
}

func loadKeyPair(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privDER, err := readPEM(privPath, "private")
	if err != nil {
		return nil, nil, err
	}
	parsedPriv, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	priv, ok := parsedPriv.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubDER, err := readPEM(pubPath, "public")
	if err != nil {
		return nil, nil, err
	}
	parsedPub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	pub, ok := parsedPub.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Files copied from two different environments would otherwise pass
	// startup and reject every token.
	if !pub.Equal(priv.Public()) {
		return nil, nil, fmt.Errorf("auth: public key does not match private key")
	}
	return priv, pub, nil
}

func readPEM(path, kind string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("auth: read %s key: %w", kind, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: decode %s key PEM", kind)
	}
	return block.Bytes, nil
}

// IssueToken signs a token for p valid for the configured expiration.
func (m *JWTManager) IssueToken(p model.Principal) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   p.ID,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:   p.Role,
		Senior: p.Senior,
	}).SignedString(m.signer)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token for %q: %w", p.ID, err)
	}
	return signed, exp, nil
}

// ValidateToken verifies signature, issuer, audience and lifetime, then
// checks that subject and role are ones the registry could have issued.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if _, err := m.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return m.verifier, nil
	}); err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	if err := model.ValidatePrincipalID(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject: %w", err)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("auth: invalid role: %q", claims.Role)
	}
	return claims, nil
}

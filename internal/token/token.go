// Package token mints opaque bearer tokens and the deterministic claim tokens
// bound to invite identities. Only hashes and prefixes ever leave it for
// storage.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	rawTokenBytes = 32
	prefixLength  = 8
	claimKeyInfo  = "invite-claim-token"
)

var ErrSecretTooShort = errors.New("token secret must be at least 32 bytes")

type Service struct {
	claimKey []byte
	random   io.Reader
}

// New derives the claim-token key from the server secret.
func New(secret []byte) (*Service, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(claimKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive claim key: %w", err)
	}
	return &Service{claimKey: key, random: rand.Reader}, nil
}

// Generate returns a fresh random token, base64url without padding.
func (s *Service) Generate() (string, error) {
	b := make([]byte, rawTokenBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveClaimToken is stable for a given invite id and secret.
func (s *Service) DeriveClaimToken(inviteID string) string {
	mac := hmac.New(sha256.New, s.claimKey)
	mac.Write([]byte(inviteID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Hash is the lookup form of a token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Prefix is safe to display and log. It is not unique and must not be used
// for lookups.
func Prefix(raw string) string {
	if len(raw) <= prefixLength {
		return raw
	}
	return raw[:prefixLength]
}

// Minted is what callers persist for a token.
type Minted struct {
	Hash   string
	Prefix string
}

func Mint(raw string) Minted {
	return Minted{Hash: Hash(raw), Prefix: Prefix(raw)}
}

// ClaimURL appends the claim token to base as the "token" query parameter.
// An empty base yields an empty URL.
func ClaimURL(base, raw string) string {
	if strings.TrimSpace(base) == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", raw)
	u.RawQuery = q.Encode()
	return u.String()
}

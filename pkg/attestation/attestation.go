// Package attestation signs and verifies the EdDSA tokens that prove a
// decision came from a trusted policy-decision node and was bound to a
// specific request.
package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidPublicKey    = errors.New("attestation: invalid public key")
	ErrInvalidSignature    = errors.New("attestation: invalid signature")
	ErrRequestHashMismatch = errors.New("attestation: token not bound to request")
)

// Claims are the attestation token claims. RequestHash binds a PERMIT to
// the canonical hash of the evaluated request; DataHash binds a feed
// signature to its payload.
type Claims struct {
	jwt.RegisteredClaims
	RequestHash string `json:"requestHash,omitempty"`
	DataHash    string `json:"dataHash,omitempty"`
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(pubKeyHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Signer issues EdDSA tokens.
type Signer struct {
	privKey ed25519.PrivateKey
	KeyID   string
	clock   func() time.Time
}

func NewSigner(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{privKey: priv, KeyID: keyID, clock: time.Now}
}

// GenerateSigner creates a signer with a fresh key.
func GenerateSigner(keyID string) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewSigner(priv, keyID), nil
}

// NewSignerFromSeedHex loads a signer from a hex-encoded 32-byte seed.
func NewSignerFromSeedHex(seedHex, keyID string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size %d", len(seed))
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed), keyID), nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Signer) WithClock(clock func() time.Time) *Signer {
	s.clock = clock
	return s
}

func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.privKey.Public().(ed25519.PublicKey))
}

// Sign issues a token for claims, filling IssuedAt when unset.
func (s *Signer) Sign(claims Claims) (string, error) {
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(s.clock())
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if s.KeyID != "" {
		token.Header["kid"] = s.KeyID
	}
	return token.SignedString(s.privKey)
}

// SignRequest issues an access token bound to requestHash.
func (s *Signer) SignRequest(requestHash, subject string) (string, error) {
	return s.Sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		RequestHash:      requestHash,
	})
}

// Verifier checks attestation tokens against known node keys.
type Verifier struct {
	leeway time.Duration
	clock  func() time.Time
}

func NewVerifier() *Verifier {
	return &Verifier{leeway: 30 * time.Second, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify checks the token signature against pubKeyHex and returns its claims.
func (v *Verifier) Verify(token, pubKeyHex string) (*Claims, error) {
	pub, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.clock),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}

// VerifyRequest verifies the token and that it attests requestHash.
func (v *Verifier) VerifyRequest(token, pubKeyHex, requestHash string) (*Claims, error) {
	claims, err := v.Verify(token, pubKeyHex)
	if err != nil {
		return nil, err
	}
	if claims.RequestHash != requestHash {
		return nil, fmt.Errorf("%w: got %q want %q", ErrRequestHashMismatch, claims.RequestHash, requestHash)
	}
	return claims, nil
}

// ParseUnverified decodes claims without checking the signature. Only for
// routing decisions taken before a verified check.
func ParseUnverified(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	return claims, nil
}

// Package identity verifies and mints the signed player grants that tie a
// connection to a player and a session.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/platform/id"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer     string        `env:"TABLETOP_GRANT_ISSUER"`
	Audience   string        `env:"TABLETOP_GRANT_AUDIENCE"`
	PublicKey  string        `env:"TABLETOP_GRANT_PUBLIC_KEY"`
	PrivateKey string        `env:"TABLETOP_GRANT_PRIVATE_KEY"`
	TTL        time.Duration `env:"TABLETOP_GRANT_TTL"         envDefault:"12h"`
}

// Claims are the validated contents of a player grant.
type Claims struct {
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	JWTID     string
	PlayerID  string
	SessionID string
}

// grantClaims is the JWT claims shape.
type grantClaims struct {
	jwt.RegisteredClaims
	PlayerID  string `json:"player_id"`
	SessionID string `json:"session_id"`
}

// Verifier resolves a grant into the player it was issued to.
type Verifier interface {
	Verify(grant, sessionID string) (Claims, error)
}

// VerifierConfig defines how grants are verified.
type VerifierConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// LoadVerifierConfigFromEnv reads grant verification configuration.
func LoadVerifierConfigFromEnv(now func() time.Time) (VerifierConfig, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return VerifierConfig{}, fmt.Errorf("parse grant env: %w", err)
	}
	issuer, audience, err := requireIssuerAudience(raw)
	if err != nil {
		return VerifierConfig{}, err
	}
	publicKey := strings.TrimSpace(raw.PublicKey)
	if publicKey == "" {
		return VerifierConfig{}, fmt.Errorf("TABLETOP_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return VerifierConfig{}, fmt.Errorf("decode grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return VerifierConfig{}, fmt.Errorf("grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return VerifierConfig{Issuer: issuer, Audience: audience, Key: ed25519.PublicKey(keyBytes), Now: now}, nil
}

// GrantVerifier checks EdDSA-signed player grants.
type GrantVerifier struct {
	cfg VerifierConfig
}

// NewVerifier returns a verifier for cfg.
func NewVerifier(cfg VerifierConfig) (*GrantVerifier, error) {
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return nil, errors.New("grant verifier is not configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GrantVerifier{cfg: cfg}, nil
}

// Verify validates grant and checks it was issued for sessionID.
func (v *GrantVerifier) Verify(grant, sessionID string) (Claims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant is required")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return v.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != v.cfg.Issuer {
		return Claims{}, mismatch("issuer")
	}
	if !slices.Contains([]string(parsed.Audience), v.cfg.Audience) {
		return Claims{}, mismatch("audience")
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant exp is required")
	}
	now := v.cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeGrantExpired, "grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant not active yet")
	}
	if strings.TrimSpace(parsed.PlayerID) == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant player_id is required")
	}
	if parsed.SessionID == "" || parsed.SessionID != sessionID {
		return Claims{}, mismatch("session_id")
	}

	claims := Claims{
		Issuer:    parsed.Issuer,
		Audience:  []string(parsed.Audience),
		ExpiresAt: exp,
		JWTID:     parsed.ID,
		PlayerID:  parsed.PlayerID,
		SessionID: parsed.SessionID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// Insecure trusts the grant string as the player id. It is meant for local
// development only.
type Insecure struct{}

// Verify returns claims naming grant as the player.
func (Insecure) Verify(grant, sessionID string) (Claims, error) {
	playerID := strings.TrimSpace(grant)
	if playerID == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "player is required")
	}
	return Claims{PlayerID: playerID, SessionID: sessionID}, nil
}

// SignerConfig defines how grants are minted.
type SignerConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	TTL      time.Duration
	Now      func() time.Time
}

// LoadSignerConfigFromEnv reads grant signing configuration.
func LoadSignerConfigFromEnv(now func() time.Time) (SignerConfig, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return SignerConfig{}, fmt.Errorf("parse grant env: %w", err)
	}
	issuer, audience, err := requireIssuerAudience(raw)
	if err != nil {
		return SignerConfig{}, err
	}
	privateKey := strings.TrimSpace(raw.PrivateKey)
	if privateKey == "" {
		return SignerConfig{}, fmt.Errorf("TABLETOP_GRANT_PRIVATE_KEY is required")
	}
	keyBytes, err := decodeBase64(privateKey)
	if err != nil {
		return SignerConfig{}, fmt.Errorf("decode grant private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return SignerConfig{}, fmt.Errorf("grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if raw.TTL <= 0 {
		return SignerConfig{}, fmt.Errorf("grant ttl must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return SignerConfig{Issuer: issuer, Audience: audience, Key: ed25519.PrivateKey(keyBytes), TTL: raw.TTL, Now: now}, nil
}

// Mint signs a grant for playerID in sessionID.
func Mint(cfg SignerConfig, playerID, sessionID string) (string, error) {
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PrivateKeySize {
		return "", errors.New("grant signer is not configured")
	}
	if strings.TrimSpace(playerID) == "" || strings.TrimSpace(sessionID) == "" {
		return "", errors.New("player id and session id are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	jti, err := id.NewID()
	if err != nil {
		return "", err
	}
	now := cfg.Now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		PlayerID:  playerID,
		SessionID: sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(cfg.Key)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

func requireIssuerAudience(raw grantEnv) (string, string, error) {
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	if issuer == "" {
		return "", "", fmt.Errorf("TABLETOP_GRANT_ISSUER is required")
	}
	if audience == "" {
		return "", "", fmt.Errorf("TABLETOP_GRANT_AUDIENCE is required")
	}
	return issuer, audience, nil
}

func mismatch(field string) error {
	return apperrors.WithMetadata(
		apperrors.CodeGrantMismatch,
		"grant "+field+" mismatch",
		map[string]string{"Field": field},
	)
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeGrantInvalid, "grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeGrantInvalid, "grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeGrantInvalid, "grant is invalid")
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")
	errMissingIdentity      = errors.New("room and client identity must be provided")
)

// Identity binds a transport session to one client in one room.
type Identity struct {
	RoomID   eventlog.RoomID
	ClientID eventlog.ClientID
}

// TokenIssuerConfig configures the session token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues HS256 session tokens carrying room and client claims.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, errNonPositiveTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		tokenTTL:      cfg.TokenTTL,
		clock:         clock,
	}, nil
}

// IssueSessionToken produces a signed JWT and its lifetime in seconds for the identity.
func (i *TokenIssuer) IssueSessionToken(_ context.Context, identity Identity) (string, int64, error) {
	if identity.RoomID == "" || identity.ClientID == "" {
		return "", 0, errMissingIdentity
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL).UTC()

	claims := SessionClaims{
		RoomID:   identity.RoomID.String(),
		ClientID: identity.ClientID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ClientID.String(),
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validator returns a validator that accepts the tokens this issuer produces.
func (i *TokenIssuer) Validator() *SessionValidator {
	return &SessionValidator{
		signingSecret: i.signingSecret,
		issuer:        i.issuer,
		audience:      i.audience,
		clock:         i.clock,
	}
}

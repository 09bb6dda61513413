package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
)

const (
	bearerPrefix          = "Bearer "
	accessTokenQueryParam = "access_token"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionIdentity   = errors.New("session validator: room and client claims required")
)

// SessionClaims is the JWT payload of a room session token.
type SessionClaims struct {
	RoomID   string `json:"room_id"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Identity returns the validated room and client carried by the claims.
func (claims SessionClaims) Identity() (Identity, error) {
	roomID, err := eventlog.NewRoomID(claims.RoomID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMissingSessionIdentity, err)
	}
	clientID, err := eventlog.NewClientID(claims.ClientID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMissingSessionIdentity, err)
	}
	return Identity{RoomID: roomID, ClientID: clientID}, nil
}

// SessionValidatorConfig describes how to validate session tokens.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session tokens.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the session identity.
func (v *SessionValidator) ValidateToken(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingSessionToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredSessionToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidSessionToken
	}
	if claims.Subject != claims.ClientID {
		return Identity{}, ErrInvalidSessionToken
	}
	return claims.Identity()
}

// ValidateRequest reads the token from the Authorization header, falling back to the
// access_token query parameter used by websocket clients.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrMissingSessionToken
	}
	return v.ValidateToken(RequestToken(r))
}

// RequestToken extracts the raw session token from the request.
func RequestToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam))
}

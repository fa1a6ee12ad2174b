package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 30 * time.Minute

var errMissingIdentity = errors.New("session issuer: user id or email required")

// SessionIssuerConfig configures local session minting.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TTL           time.Duration
	Clock         func() time.Time
}

// SessionIssuer mints session JWTs in the identity provider's format. It serves
// local development and tests; production sessions come from the provider.
type SessionIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewSessionIssuer constructs a SessionIssuer with sane defaults.
func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue signs claims for the identity and returns the token with its expiry.
// The subject defaults to the provider-local part of UserID, then to the email.
func (i *SessionIssuer) Issue(identity SessionClaims) (string, time.Time, error) {
	userID := strings.TrimSpace(identity.UserID)
	email := strings.TrimSpace(identity.UserEmail)
	if userID == "" && email == "" {
		return "", time.Time{}, errMissingIdentity
	}
	subject := strings.TrimSpace(identity.Subject)
	if subject == "" {
		subject = userID
		if index := strings.Index(subject, ":"); index >= 0 {
			subject = subject[index+1:]
		}
	}
	if subject == "" {
		subject = email
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		UserID:          userID,
		UserEmail:       email,
		UserDisplayName: strings.TrimSpace(identity.UserDisplayName),
		UserAvatarURL:   strings.TrimSpace(identity.UserAvatarURL),
		UserRoles:       identity.UserRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

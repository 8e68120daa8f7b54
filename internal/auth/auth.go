// Package auth turns bearer credentials into principals.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
)

const issuer = "whiteboard"

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidToken      = errors.New("invalid token")
	errNoSecret          = errors.New("jwt secret is not configured")
)

// Claims represents the authorization claims transmitted via a JWT. The
// subject is the principal id.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Authenticator verifies and issues HS256 tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Authenticate validates token and returns the principal it names.
func (a *Authenticator) Authenticate(token string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, ErrMissingCredential
	}
	if len(a.secret) == 0 {
		return domain.Principal{}, errors.Wrap(ErrInvalidToken, errNoSecret.Error())
	}

	claims := new(Claims)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.Principal{}, errors.Wrapf(ErrInvalidToken, "%v", err)
	}
	if claims.Subject == "" {
		return domain.Principal{}, errors.Wrap(ErrInvalidToken, "token has no subject")
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return domain.Principal{ID: claims.Subject, DisplayName: name, Role: claims.Role}, nil
}

// IssueToken signs a token for p valid for ttl. A zero ttl never expires.
func (a *Authenticator) IssueToken(p domain.Principal, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errNoSecret
	}
	now := a.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  p.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Name: p.DisplayName,
		Role: p.Role,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	ss, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "token signing failed")
	}
	return ss, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

package gateway

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/clock"
)

// RoleAdmin is required for purge, forced unlock and tamper acknowledgement.
const RoleAdmin = "admin"

const principalKey = "recordflow.principal"

// Principal is the authenticated caller.
type Principal struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

// HasRole reports whether the principal holds role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// claims is the token body: the subject is the actor id.
type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

// NewAuthenticator creates an Authenticator. An empty issuer accepts
// tokens from any issuer.
func NewAuthenticator(secret []byte, issuer string, c clock.Clock) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if c == nil {
		c = clock.System{}
	}
	return &Authenticator{secret: secret, issuer: issuer, clock: c}, nil
}

// Issue signs a token for subject. A zero ttl issues a token that never
// expires.
func (a *Authenticator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	cl := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   a.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		cl.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(a.secret)
}

// Verify parses a token and returns its principal.
func (a *Authenticator) Verify(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var cl claims
	if _, err := jwt.ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return Principal{}, mapJWTError(err)
	}
	if cl.Subject == "" {
		return Principal{}, apperr.New(apperr.KindUnauthenticated, "token has no subject")
	}
	return Principal{ActorID: cl.Subject, Roles: cl.Roles}, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.New(apperr.KindUnauthenticated, "token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperr.New(apperr.KindUnauthenticated, "token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return apperr.New(apperr.KindUnauthenticated, "token issuer mismatch")
	}
	return apperr.New(apperr.KindUnauthenticated, "token is invalid")
}

// authenticate resolves the bearer token when present. Safe methods may be
// anonymous; every other method needs a principal.
func (a *Authenticator) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header != "" {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return apperr.New(apperr.KindUnauthenticated, "authorization must use the Bearer scheme")
			}
			p, err := a.Verify(strings.TrimSpace(token))
			if err != nil {
				return err
			}
			c.Set(principalKey, p)
			return next(c)
		}
		switch c.Request().Method {
		case "GET", "HEAD", "OPTIONS":
			return next(c)
		}
		return apperr.New(apperr.KindUnauthenticated, "authentication required")
	}
}

// requireAuth rejects anonymous callers, including on safe methods.
func requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok := principalFrom(c); !ok {
			return apperr.New(apperr.KindUnauthenticated, "authentication required")
		}
		return next(c)
	}
}

// requireRole rejects callers without role.
func requireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := principalFrom(c)
			if !ok {
				return apperr.New(apperr.KindUnauthenticated, "authentication required")
			}
			if !p.HasRole(role) {
				return apperr.New(apperr.KindForbidden, "role %q required", role)
			}
			return next(c)
		}
	}
}

func principalFrom(c echo.Context) (Principal, bool) {
	p, ok := c.Get(principalKey).(Principal)
	return p, ok
}

// actor returns the caller's actor id. Routes that reach a write are always
// authenticated.
func actor(c echo.Context) string {
	p, _ := principalFrom(c)
	return p.ActorID
}

// allowed applies an entity permission list: empty allows every
// authenticated caller, admin is always allowed, otherwise the caller needs
// one of the roles.
func allowed(c echo.Context, roles []string) bool {
	p, ok := principalFrom(c)
	if !ok {
		return false
	}
	if len(roles) == 0 || p.HasRole(RoleAdmin) {
		return true
	}
	return slices.ContainsFunc(roles, p.HasRole)
}

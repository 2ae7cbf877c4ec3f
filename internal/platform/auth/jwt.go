package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Claims are the token claims the API reads.
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches verification to HS256 with a shared key instead
	// of RS256 against JWKSURL.
	SigningKey []byte
	// Skipper bypasses validation for matching requests. Nil never skips.
	Skipper middleware.Skipper
}

var (
	errMissingCredentials = echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	errMalformedHeader    = echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	errInvalidToken       = echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	errNoSubject          = echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
)

// bearerToken reads "Authorization: Bearer <token>". Browser websocket
// clients cannot set headers, so an upgrade request may send the token as
// the access_token query parameter.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if strings.EqualFold(r.Header.Get(echo.HeaderUpgrade), "websocket") {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				return tok, nil
			}
		}
		return "", errMissingCredentials
	}

	scheme, tok, ok := strings.Cut(header, " ")
	tok = strings.TrimSpace(tok)
	if !ok || !strings.EqualFold(scheme, "bearer") || tok == "" {
		return "", errMalformedHeader
	}
	return tok, nil
}

// JWTMiddleware verifies the bearer token and attaches the caller's
// Identity to the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	parser := jwt.NewParser(parserOptions(cfg)...)
	keyFunc := keyFuncFor(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			raw, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			claims := &Claims{}
			ctx := c.Request().Context()
			if _, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				return keyFunc(c, t)
			}); err != nil {
				return errInvalidToken
			}
			if claims.Subject == "" {
				return errNoSubject
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(ctx, claims.Subject, claims.Name, claims.Roles)))
			return next(c)
		}
	}
}

func parserOptions(cfg JWTConfig) []jwt.ParserOption {
	method := "RS256"
	if len(cfg.SigningKey) > 0 {
		method = "HS256"
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{method}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

func keyFuncFor(cfg JWTConfig) func(echo.Context, *jwt.Token) (any, error) {
	if len(cfg.SigningKey) > 0 {
		return func(echo.Context, *jwt.Token) (any, error) { return cfg.SigningKey, nil }
	}
	keys := NewKeySet(cfg.JWKSURL, defaultKeySetTTL)
	return func(c echo.Context, t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return keys.Key(c.Request().Context(), kid)
	}
}

// DevAuthMiddleware gives every request an ADMIN identity. Only for
// ENV=development.
func DevAuthMiddleware(skipper middleware.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper == nil || !skipper(c) {
				ctx := WithIdentity(c.Request().Context(), "dev-user", "Developer", []string{RoleAdmin})
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}

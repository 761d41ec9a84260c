package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"

	AccessCookie = "accessToken"
)

var ErrUnauthorized = errors.New("unauthorized")

type Authenticator struct {
	JWTSecret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{JWTSecret: secret}
}

func tokenFrom(c echo.Context) string {
	if cookie, err := c.Cookie(AccessCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// RequireAuth validates the access token and stores the caller's id and role
// on the echo context.
func (a *Authenticator) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		l := logging.FromContext(c.Request().Context()).With("middleware", "auth")

		raw := tokenFrom(c)
		if raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
		}

		claims, err := AccessClaimsFromToken(raw, a.JWTSecret)
		if err != nil {
			l.Warn("auth_error", "status", 401, "reason", "invalid token", "error", err)
			c.SetCookie(deleteCookie(AccessCookie, "/"))
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			l.Warn("auth_error", "status", 401, "reason", "bad subject", "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}
		role, ok := ParseRole(claims.Role)
		if !ok {
			l.Warn("auth_error", "status", 403, "reason", "unknown role", "role", claims.Role)
			return echo.NewHTTPError(http.StatusForbidden, "not enough rights")
		}

		c.Set(ctxUserID, userID)
		c.Set(ctxRole, role)
		return next(c)
	}
}

// RequireCapability rejects callers whose role does not grant cp. It must run
// after RequireAuth.
func RequireCapability(cp Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get(ctxRole).(Role)
			if !Can(role, cp) {
				logging.FromContext(c.Request().Context()).Warn("auth_error",
					"status", 403, "reason", "missing capability", "capability", cp.String(), "role", role)
				return echo.NewHTTPError(http.StatusForbidden, "not enough rights")
			}
			return next(c)
		}
	}
}

func UserID(c echo.Context) (uuid.UUID, error) {
	id, ok := c.Get(ctxUserID).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, ErrUnauthorized
	}
	return id, nil
}

func RoleOf(c echo.Context) Role {
	role, _ := c.Get(ctxRole).(Role)
	return role
}

func deleteCookie(name, path string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

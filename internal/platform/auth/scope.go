package auth

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

const (
	ScopeReadPatient  = "read:patient"
	ScopeWritePatient = "write:patient"

	RoleAdmin = "admin"
)

// RequireScope admits requests holding any of scopes. The admin role
// satisfies every scope.
func RequireScope(scopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if slices.Contains(RolesFromContext(ctx), RoleAdmin) {
				return next(c)
			}
			granted := ScopesFromContext(ctx)
			for _, s := range scopes {
				if slices.Contains(granted, s) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("required scope: %v", scopes))
		}
	}
}

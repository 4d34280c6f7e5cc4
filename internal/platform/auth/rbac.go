package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// IsPatientOnly reports whether the caller acts solely as a patient, i.e.
// holds the patient role and no staff role.
func IsPatientOnly(ctx context.Context) bool {
	patient := false
	for _, r := range RolesFromContext(ctx) {
		switch r {
		case RolePatient:
			patient = true
		case RoleAdmin, RoleDoctor, RoleReceptionist:
			return false
		}
	}
	return patient
}

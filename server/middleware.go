package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/labstack/echo/v4"
)

const tenantContextKey = "tenantID"

// tenantAuth maps HTTP Basic credentials to a tenant id: the hex SHA-256 of
// "user:password". Every authenticated caller lands in exactly one tenant;
// requests without credentials are rejected.
func tenantAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, pass, ok := c.Request().BasicAuth()
		if !ok || user == "" {
			c.Response().Header().Set("WWW-Authenticate", `Basic realm="epcis"`)
			return c.JSON(http.StatusUnauthorized, problem{Title: "authentication required"})
		}
		sum := sha256.Sum256([]byte(user + ":" + pass))
		c.Set(tenantContextKey, hex.EncodeToString(sum[:]))
		return next(c)
	}
}

func tenantID(c echo.Context) string {
	tenant, _ := c.Get(tenantContextKey).(string)
	return tenant
}

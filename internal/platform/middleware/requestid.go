package middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
)

const HeaderRequestID = "X-Request-ID"

// RequestID takes the caller's X-Request-ID or mints a ULID, stores it as
// "request_id" and echoes it on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(HeaderRequestID)
			if rid == "" || len(rid) > 128 {
				rid = ulid.Make().String()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(HeaderRequestID, rid)
			return next(c)
		}
	}
}

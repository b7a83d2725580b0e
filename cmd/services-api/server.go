package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/dhos/services-api/internal/config"
	"github.com/dhos/services-api/internal/domain/patient"
	"github.com/dhos/services-api/internal/platform/auth"
	"github.com/dhos/services-api/internal/platform/metrics"
	"github.com/dhos/services-api/internal/platform/middleware"
)

const version = "1.0.0"

// newServer assembles the HTTP surface. m may be nil.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *patient.Service, m *metrics.Metrics, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if m != nil {
		e.Use(m.Middleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.HeaderRequestID},
	}))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}

	// Health and metrics stay outside authentication
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}
	if m != nil {
		e.GET("/metrics", m.Handler())
	}

	api := e.Group("/dhos")
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	api.Use(middleware.Audit(logger, "/dhos/"))

	patient.NewHandler(svc).RegisterRoutes(api)
	return e
}

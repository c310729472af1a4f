// Package server exposes the repository over HTTP: the EPCIS 2.0 REST
// surface and the 1.2 SOAP query endpoint.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/trackvision/tv-epcis-repository/capture"
	"github.com/trackvision/tv-epcis-repository/configs"
	"github.com/trackvision/tv-epcis-repository/logger"
	"github.com/trackvision/tv-epcis-repository/query"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/subscription"
)

// Server wires handlers to routes and owns the echo instance.
type Server struct {
	echo     *echo.Echo
	cfg      *configs.Config
	store    storage.Store
	captures *capture.Handler
	queries  *query.Engine
	subs     *subscription.Engine
}

func New(cfg *configs.Config, store storage.Store, captures *capture.Handler, queries *query.Engine, subs *subscription.Engine) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	s := &Server{
		echo:     e,
		cfg:      cfg,
		store:    store,
		captures: captures,
		queries:  queries,
		subs:     subs,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/health", s.health)

	api := s.echo.Group("", tenantAuth)

	api.POST("/capture", s.postCapture)
	api.GET("/capture", s.listCaptures)
	api.GET("/capture/:id", s.getCapture)

	api.GET("/events", s.getEvents)

	api.GET("/eventTypes", s.discover("eventType"))
	api.GET("/epcs", s.discover("epc"))
	api.GET("/bizSteps", s.discover("bizStep"))
	api.GET("/bizLocations", s.discover("bizLocation"))
	api.GET("/readPoints", s.discover("readPoint"))
	api.GET("/dispositions", s.discover("disposition"))

	api.POST("/queries", s.createNamedQuery)
	api.GET("/queries", s.listNamedQueries)
	api.GET("/queries/:name", s.getNamedQuery)
	api.DELETE("/queries/:name", s.deleteNamedQuery)
	api.GET("/queries/:name/events", s.runNamedQuery)

	api.POST("/queries/:name/subscriptions", s.createSubscription)
	api.GET("/queries/:name/subscriptions", s.listSubscriptions)
	api.DELETE("/queries/:name/subscriptions/:subscriptionID", s.deleteSubscription)

	api.POST("/Query.svc", s.soapQuery)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	return s.echo.Start(":" + s.cfg.Port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

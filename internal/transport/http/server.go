// Package http provides the HTTP server of the assistant gateway.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/coveo-labs/barca-sports-assistant/internal/config"
	"github.com/coveo-labs/barca-sports-assistant/internal/hub"
	"github.com/coveo-labs/barca-sports-assistant/internal/service"
	v1 "github.com/coveo-labs/barca-sports-assistant/internal/transport/http/v1"
	"github.com/coveo-labs/barca-sports-assistant/internal/transport/ws"
)

// NewServer creates and configures the HTTP server. It serves the
// conversation API and the live update WebSocket.
func NewServer(cfg *config.Config, svc *service.Service, h *hub.Hub, log *logrus.Entry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)
	wsServer := ws.NewServer(cfg, h, svc, log)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	wsServer.RegisterRoutes(e)

	return e
}

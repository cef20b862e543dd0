// Package v1 provides the versioned HTTP handlers of the gateway.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
	"github.com/coveo-labs/barca-sports-assistant/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the conversation routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/conversations", h.ListConversations)
	e.POST("/v1/conversations", h.CreateConversation)
	e.DELETE("/v1/conversations", h.ClearConversations)
	e.POST("/v1/conversations/reconcile", h.ReconcileConversations)
	e.GET("/v1/conversations/:local_id", h.GetConversation)
	e.DELETE("/v1/conversations/:local_id", h.DeleteConversation)
	e.POST("/v1/conversations/:local_id/activate", h.ActivateConversation)
	e.POST("/v1/conversations/:local_id/messages", h.SendMessage)
	e.POST("/v1/conversations/:local_id/cancel", h.CancelStream)
	e.GET("/v1/sessions/:session_id/conversation", h.GetSessionConversation)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorResponse maps service errors onto status codes.
func errorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error(), "code": domain.ErrorCodeNotFound})
	case errors.Is(err, service.ErrBusy):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error(), "code": domain.ErrorCodeBusy})
	case errors.Is(err, service.ErrEmptyMessage):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error(), "code": domain.ErrorCodeInvalidMessage})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error(), "code": domain.ErrorCodeInternalError})
	}
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": message, "code": domain.ErrorCodeInvalidMessage})
}

package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// ListConversations lists every conversation, most recent first.
// GET /v1/conversations
func (h *Handler) ListConversations(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.ListConversationsResponse{
		Conversations: h.service.ListConversations(),
	})
}

// CreateConversation starts an empty conversation.
// POST /v1/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	var req domain.CreateConversationRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	rec := h.service.CreateConversation(req.Title)
	return c.JSON(http.StatusCreated, rec)
}

// ClearConversations removes every conversation.
// DELETE /v1/conversations
func (h *Handler) ClearConversations(c echo.Context) error {
	h.service.ClearConversations(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

// ReconcileConversations merges server-provided summaries into the
// collection and returns the merged list.
// POST /v1/conversations/reconcile
func (h *Handler) ReconcileConversations(c echo.Context) error {
	var req domain.ReconcileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return c.JSON(http.StatusOK, domain.ListConversationsResponse{
		Conversations: h.service.Reconcile(req.Conversations),
	})
}

// GetConversation returns a conversation with its visible transcript and
// stream state.
// GET /v1/conversations/:local_id
func (h *Handler) GetConversation(c echo.Context) error {
	view, err := h.service.GetConversation(c.Param("local_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// DeleteConversation removes one conversation.
// DELETE /v1/conversations/:local_id
func (h *Handler) DeleteConversation(c echo.Context) error {
	if err := h.service.DeleteConversation(c.Request().Context(), c.Param("local_id")); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ActivateConversation makes a conversation the active one.
// POST /v1/conversations/:local_id/activate
func (h *Handler) ActivateConversation(c echo.Context) error {
	localID := c.Param("local_id")
	if err := h.service.Activate(localID); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"active_id": localID})
}

// SendMessage starts a manual send. The reply streams in the background.
// POST /v1/conversations/:local_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req domain.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	localID := c.Param("local_id")
	snap, err := h.service.SendMessage(localID, req.Content)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, domain.SendMessageResponse{
		LocalID: localID,
		Stream:  snap,
	})
}

// CancelStream cancels the in-flight stream and any pending retry.
// POST /v1/conversations/:local_id/cancel
func (h *Handler) CancelStream(c echo.Context) error {
	cancelled, err := h.service.CancelStream(c.Param("local_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// GetSessionConversation looks a conversation up by backend session id.
// GET /v1/sessions/:session_id/conversation
func (h *Handler) GetSessionConversation(c echo.Context) error {
	rec, err := h.service.FindBySessionID(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/roomsync/internal/auth"
)

func (h *httpHandler) requireIdentity(c *gin.Context) (auth.Identity, bool) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: errorUnauthorized})
	}
	return identity, ok
}

func (h *httpHandler) handleSubmitEvent(c *gin.Context) {
	identity, ok := h.requireIdentity(c)
	if !ok {
		return
	}
	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: errorInvalidRequest})
		return
	}
	response, err := h.submit(c.Request.Context(), identity, "", request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleQueryEvents(c *gin.Context) {
	identity, ok := h.requireIdentity(c)
	if !ok {
		return
	}
	since, err := parseSince(c.Query("since"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response, err := h.querySince(c.Request.Context(), identity.RoomID, since)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleFetchSnapshot(c *gin.Context) {
	identity, ok := h.requireIdentity(c)
	if !ok {
		return
	}
	response, err := h.fetchSnapshot(c.Request.Context(), identity.RoomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUpdatePresence(c *gin.Context) {
	identity, ok := h.requireIdentity(c)
	if !ok {
		return
	}
	var request presenceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: errorInvalidRequest})
		return
	}
	if err := h.updatePresence(c.Request.Context(), identity, "", request.Presence); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFetchPresence(c *gin.Context) {
	identity, ok := h.requireIdentity(c)
	if !ok {
		return
	}
	response, err := h.fetchPresence(c.Request.Context(), identity.RoomID, c.Query("client_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleFetchCursor(c *gin.Context) {
	identity, ok := h.requireIdentity(c)
	if !ok {
		return
	}
	response, err := h.cursor(c.Request.Context(), identity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLeaveRoom(c *gin.Context) {
	identity, ok := h.requireIdentity(c)
	if !ok {
		return
	}
	response, err := h.leave(c.Request.Context(), identity, "")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

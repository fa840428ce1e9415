package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/outreachly/outreachly/internal/dispatch"
	"github.com/outreachly/outreachly/internal/model"
)

type EventHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewEventHandler(d *dispatch.Dispatcher) *EventHandler {
	return &EventHandler{dispatcher: d}
}

type publishEventRequest struct {
	Event   model.EventKind `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Publish accepts an application event for asynchronous fan-out. The response
// acknowledges durability only; delivery outcomes live in the attempt log.
func (h *EventHandler) Publish(c *gin.Context) {
	var req publishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := h.dispatcher.Publish(c.Request.Context(), req.Event, req.Payload)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidEvent) {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		c.String(http.StatusInternalServerError, "failed to publish event")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id": event.ID,
		"status":   event.Status,
	})
}

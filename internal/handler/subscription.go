package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/outreachly/outreachly/internal/dispatch"
	"github.com/outreachly/outreachly/internal/model"
	"github.com/outreachly/outreachly/internal/store"
)

type SubscriptionHandler struct {
	dispatcher *dispatch.Dispatcher
	store      *store.Store
}

func NewSubscriptionHandler(d *dispatch.Dispatcher, s *store.Store) *SubscriptionHandler {
	return &SubscriptionHandler{dispatcher: d, store: s}
}

type createSubscriptionRequest struct {
	URL        string            `json:"url"`
	EventKinds []model.EventKind `json:"event_kinds"`
	Transform  *string           `json:"transform,omitempty"`
}

type updateSubscriptionRequest struct {
	URL        *string           `json:"url,omitempty"`
	EventKinds []model.EventKind `json:"event_kinds,omitempty"`
	Active     *bool             `json:"active,omitempty"`
	Transform  *string           `json:"transform,omitempty"`
}

// createSubscriptionResponse carries the signing secret, returned exactly
// once at registration.
type createSubscriptionResponse struct {
	*model.WebhookSubscription
	Secret string `json:"secret"`
}

func (h *SubscriptionHandler) Create(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.dispatcher.Register(c.Request.Context(), req.URL, req.EventKinds, req.Transform)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidSubscription) {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		c.String(http.StatusInternalServerError, "failed to create subscription")
		return
	}

	c.JSON(http.StatusCreated, createSubscriptionResponse{WebhookSubscription: sub, Secret: sub.Secret})
}

func (h *SubscriptionHandler) List(c *gin.Context) {
	subs, err := h.store.Subscriptions.List(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	sub, err := h.store.Subscriptions.GetByID(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusNotFound, "subscription not found")
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.dispatcher.Update(c.Request.Context(), id, req.URL, req.EventKinds, req.Active, req.Transform)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidSubscription):
			c.String(http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrSubscriptionNotFound):
			c.String(http.StatusNotFound, "subscription not found")
		default:
			c.String(http.StatusInternalServerError, "failed to update subscription")
		}
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	if err := h.store.Subscriptions.Delete(c.Request.Context(), id); err != nil {
		c.String(http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SubscriptionHandler) ListAttempts(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	attempts, err := h.store.Attempts.ListBySubscription(c.Request.Context(), id, limit)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, attempts)
}

type testSubscriptionRequest struct {
	URL string `json:"url"`
}

// Test sends a single ping envelope to a candidate URL before registration.
func (h *SubscriptionHandler) Test(c *gin.Context) {
	var req testSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.dispatcher.TestEndpoint(c.Request.Context(), req.URL)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidSubscription) {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		c.String(http.StatusInternalServerError, "failed to test endpoint")
		return
	}
	c.JSON(http.StatusOK, result)
}

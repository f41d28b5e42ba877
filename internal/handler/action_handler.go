package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/provider"
	"inbox-sync-go/internal/repository"
	"inbox-sync-go/internal/service"
)

// ApplyAction applies one action to every message of a conversation
func (h *Handlers) ApplyAction(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid conversation ID",
			Code:    http.StatusBadRequest,
		})
		return
	}

	action, err := service.ParseAction(c.Param("action"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_action",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	res, err := h.actions.Apply(c.Request.Context(), req.TenantID, uint(id), action)
	if err != nil {
		h.actionError(c, uint(id), action, err)
		return
	}
	if res.Rejected {
		c.JSON(http.StatusConflict, res)
		return
	}

	c.JSON(http.StatusOK, res)
}

// ApplyBulkAction applies one action to several conversations, each
// independently
func (h *Handlers) ApplyBulkAction(c *gin.Context) {
	var req BulkActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	action, err := service.ParseAction(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_action",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	results := h.actions.ApplyBulk(c.Request.Context(), req.TenantID, req.ConversationIDs, action)

	var applied, noop, rejected, failed int
	for _, r := range results {
		switch {
		case r.Error != "":
			failed++
		case r.Rejected:
			rejected++
		case r.NoOp:
			noop++
		case r.Applied:
			applied++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"summary": gin.H{
			"applied":  applied,
			"no_op":    noop,
			"rejected": rejected,
			"failed":   failed,
		},
	})
}

func (h *Handlers) actionError(c *gin.Context, id uint, action service.Action, err error) {
	status, code := http.StatusInternalServerError, "action_error"
	switch {
	case errors.Is(err, repository.ErrConversationNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrNotEmailConversation), errors.Is(err, service.ErrNoProviderMessages):
		status, code = http.StatusUnprocessableEntity, "unsupported_conversation"
	case provider.IsRetryable(err):
		status, code = http.StatusServiceUnavailable, "provider_unavailable"
	default:
		logrus.WithFields(logrus.Fields{
			"conversation_id": id,
			"action":          action,
		}).Errorf("Conversation action failed: %v", err)
	}

	c.JSON(status, ErrorResponse{
		Error:   code,
		Message: err.Error(),
		Code:    status,
	})
}

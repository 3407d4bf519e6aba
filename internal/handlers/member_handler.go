package handler

import (
	"context"
	"net/http"

	"expense-reconciliation-backend/internal/middleware"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/workflow"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type MemberService interface {
	SubmitRequest(ctx context.Context, actor workflow.Actor, in workflow.SubmitInput) (*models.ChangeRequest, error)
	ListMyRequests(ctx context.Context, actor workflow.Actor) ([]models.ChangeRequest, error)
}

type MemberHandler struct {
	service MemberService
	logger  *zap.Logger
}

func NewMemberHandler(s MemberService, logger *zap.Logger) *MemberHandler {
	return &MemberHandler{service: s, logger: logger}
}

func (h *MemberHandler) Submit(c *gin.Context) {
	var payload workflow.SubmitInput
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	req, err := h.service.SubmitRequest(c.Request.Context(), middleware.ActorFrom(c), payload)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "request submitted", "request": req})
}

func (h *MemberHandler) List(c *gin.Context) {
	reqs, err := h.service.ListMyRequests(c.Request.Context(), middleware.ActorFrom(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

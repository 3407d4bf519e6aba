package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"expense-reconciliation-backend/internal/middleware"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/workflow"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AdminService interface {
	GroupedPendingRequests(ctx context.Context, actor workflow.Actor) ([]workflow.ExpenseGroup, error)
	ExpenseStatus(ctx context.Context, actor workflow.Actor, expenseID string) (*workflow.StatusReport, error)
	CommitDecisions(ctx context.Context, actor workflow.Actor, expenseID string, d workflow.Decisions) (*workflow.CommitResult, error)
	Preview(ctx context.Context, actor workflow.Actor, expenseID string) (*workflow.PreviewResult, error)
	Apply(ctx context.Context, actor workflow.Actor, expenseID, expectedHash string) (*workflow.ApplyResult, error)
	ClearCritical(ctx context.Context, actor workflow.Actor, expenseID, note string) error
	ImportExpense(ctx context.Context, actor workflow.Actor, expenseID string) (*workflow.ImportResult, error)
	ImportExpenses(ctx context.Context, actor workflow.Actor, in workflow.BulkImportInput) (*workflow.BulkImportResult, error)
	AuditHistory(ctx context.Context, actor workflow.Actor, expenseID string) ([]models.WorkflowAuditLog, error)
}

type AdminHandler struct {
	service AdminService
	logger  *zap.Logger
}

func NewAdminHandler(s AdminService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{service: s, logger: logger}
}

func (h *AdminHandler) GroupedPendingRequests(c *gin.Context) {
	groups, err := h.service.GroupedPendingRequests(c.Request.Context(), middleware.ActorFrom(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expenses": groups, "total": len(groups)})
}

func (h *AdminHandler) Status(c *gin.Context) {
	rep, err := h.service.ExpenseStatus(c.Request.Context(), middleware.ActorFrom(c), c.Param("expenseId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *AdminHandler) CommitDecisions(c *gin.Context) {
	var payload workflow.Decisions
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	res, err := h.service.CommitDecisions(c.Request.Context(), middleware.ActorFrom(c), c.Param("expenseId"), payload)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "decisions committed", "result": res})
}

// Preview always answers 200 for a computed result; Ready says whether apply is offered.
func (h *AdminHandler) Preview(c *gin.Context) {
	res, err := h.service.Preview(c.Request.Context(), middleware.ActorFrom(c), c.Param("expenseId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AdminHandler) Apply(c *gin.Context) {
	var payload struct {
		DecisionHash string `json:"decision_hash"`
	}
	// An empty body reaches the service, which asks for a preview first.
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	res, err := h.service.Apply(c.Request.Context(), middleware.ActorFrom(c), c.Param("expenseId"), payload.DecisionHash)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "changes applied", "result": res})
}

func (h *AdminHandler) ClearCritical(c *gin.Context) {
	var payload struct {
		Note string `json:"note"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if err := h.service.ClearCritical(c.Request.Context(), middleware.ActorFrom(c), c.Param("expenseId"), payload.Note); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "critical marker cleared"})
}

func (h *AdminHandler) Import(c *gin.Context) {
	res, err := h.service.ImportExpense(c.Request.Context(), middleware.ActorFrom(c), c.Param("expenseId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !res.Created {
		c.JSON(http.StatusOK, gin.H{"message": "expense already imported", "expense": res.Expense})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "expense imported", "expense": res.Expense})
}

// BulkImport reads start_date, end_date and group_id from the query string.
func (h *AdminHandler) BulkImport(c *gin.Context) {
	var in workflow.BulkImportInput
	if err := c.ShouldBindQuery(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}

	res, err := h.service.ImportExpenses(c.Request.Context(), middleware.ActorFrom(c), in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "bulk import finished", "result": res})
}

func (h *AdminHandler) AuditHistory(c *gin.Context) {
	entries, err := h.service.AuditHistory(c.Request.Context(), middleware.ActorFrom(c), c.Param("expenseId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

package routes

import (
	"net/http"

	handler "expense-reconciliation-backend/internal/handlers"
	"expense-reconciliation-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Service is everything the HTTP surface needs from the workflow layer.
type Service interface {
	handler.AdminService
	handler.MemberService
}

func RegisterRoutes(r *gin.Engine, svc Service, logger *zap.Logger) {
	adminHandler := handler.NewAdminHandler(svc, logger)
	memberHandler := handler.NewMemberHandler(svc, logger)

	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	member := api.Group("/member", middleware.Principal())
	member.POST("/requests", memberHandler.Submit)
	member.GET("/requests", memberHandler.List)

	admin := api.Group("/admin", middleware.Principal(), middleware.RequireAdmin())
	admin.GET("/grouped-pending-requests", adminHandler.GroupedPendingRequests)
	admin.POST("/bulk-import", adminHandler.BulkImport)

	expenses := admin.Group("/expenses/:expenseId")
	{
		expenses.GET("/status", adminHandler.Status)
		expenses.GET("/audit", adminHandler.AuditHistory)
		expenses.POST("/decisions", adminHandler.CommitDecisions)
		expenses.POST("/preview", adminHandler.Preview)
		expenses.POST("/apply", adminHandler.Apply)
		expenses.POST("/clear-critical", adminHandler.ClearCritical)
		expenses.POST("/import", adminHandler.Import)
	}
}

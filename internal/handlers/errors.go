package handler

import (
	"errors"
	"net/http"

	"expense-reconciliation-backend/internal/apperr"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps workflow errors onto HTTP statuses.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		verr *apperr.ValidationError
		xerr *apperr.ExternalServiceError
		cerr *apperr.CriticalInconsistencyError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Message, "reason": verr.Reason})
	case errors.Is(err, apperr.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrExpenseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrApplyInProgress), errors.Is(err, apperr.ErrCommitInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	case errors.As(err, &xerr):
		c.JSON(http.StatusBadGateway, gin.H{"error": xerr.Error(), "retryable": true})
	case errors.As(err, &cerr):
		c.JSON(http.StatusConflict, gin.H{
			"error":                          cerr.Error(),
			"critical":                       true,
			"requires_manual_reconciliation": true,
		})
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

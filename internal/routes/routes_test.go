package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	handler "expense-reconciliation-backend/internal/handlers"
	"expense-reconciliation-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type nopService struct {
	handler.AdminService
	handler.MemberService
}

func TestRegisterRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, nopService{}, zap.NewNop())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/expenses/E1/apply", nil)
	req.Header.Set(middleware.HeaderUserEmail, "bob@x.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/member/requests", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for _, target := range []string{"/api/admin/bulk-import", "/api/admin/expenses/E1/audit"} {
		method := http.MethodPost
		if target == "/api/admin/expenses/E1/audit" {
			method = http.MethodGet
		}
		req := httptest.NewRequest(method, target, nil)
		req.Header.Set(middleware.HeaderUserEmail, "bob@x.com")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code, target)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"expense-reconciliation-backend/internal/services/workflow"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var seen workflow.Actor
	r := gin.New()
	r.GET("/me", Principal(), func(c *gin.Context) {
		seen = ActorFrom(c)
		c.Status(http.StatusNoContent)
	})
	r.GET("/admin", Principal(), RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tests := []struct {
		name   string
		path   string
		email  string
		role   string
		status int
	}{
		{"anonymous", "/me", "", "", http.StatusUnauthorized},
		{"member", "/me", "bob@x.com", "", http.StatusNoContent},
		{"member on admin route", "/admin", "bob@x.com", "member", http.StatusForbidden},
		{"admin", "/admin", "ann@x.com", "Admin", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set(HeaderUserEmail, tt.email)
			req.Header.Set(HeaderUserName, "Bob")
			req.Header.Set(HeaderUserRole, tt.role)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
	assert.Equal(t, workflow.Actor{Email: "bob@x.com", Name: "Bob"}, seen)
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, p := range []string{"/ok", "/bad"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zap.InfoLevel, entries[0].Level)
		assert.Equal(t, zap.ErrorLevel, entries[1].Level)
		assert.Equal(t, "/bad", entries[1].ContextMap()["path"])
	}
}

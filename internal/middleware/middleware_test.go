package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/persistorai/famgraph/internal/middleware"
)

func TestRequestID_GeneratesServerID(t *testing.T) {
	t.Parallel()

	log, hook := test.NewNullLogger()

	r := gin.New()
	r.Use(middleware.RequestID(log))
	r.GET("/x", func(c *gin.Context) {
		middleware.Logger(c, log).Info("handled")
		c.String(http.StatusOK, c.GetString(middleware.RequestIDKey))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	req.Header.Set(middleware.RequestIDHeader, "client-123")
	r.ServeHTTP(w, req)

	id := w.Header().Get(middleware.RequestIDHeader)
	if id == "" || id == "client-123" {
		t.Fatalf("request id = %q", id)
	}
	if w.Body.String() != id {
		t.Errorf("context id %q != header id %q", w.Body.String(), id)
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("no log entry")
	}
	if entry.Data["request_id"] != id || entry.Data["client_request_id"] != "client-123" {
		t.Errorf("log fields = %v", entry.Data)
	}
}

func TestLogger_FallsBackWithoutRequestID(t *testing.T) {
	t.Parallel()

	log, _ := test.NewNullLogger()
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if entry := middleware.Logger(c, log); entry.Logger != log {
		t.Error("expected fallback logger")
	}
}

func TestMaxBodySize(t *testing.T) {
	t.Parallel()

	r := gin.New()
	r.Use(middleware.MaxBodySize(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":"0123456789"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{}`)))
	if w.Code != http.StatusOK {
		t.Errorf("small body: %d", w.Code)
	}
}

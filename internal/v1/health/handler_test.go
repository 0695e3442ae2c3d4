package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestLiveness(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_NoChecksRegistered(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}

func TestReadiness_AllHealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(map[string]Pinger{
		"redis":    &fakePinger{},
		"database": &fakePinger{},
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "redis")
	assert.Contains(t, body, "database")
	assert.Contains(t, body, "\"status\":\"ready\"")
}

func TestReadiness_OneDependencyDown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(map[string]Pinger{
		"redis":    &fakePinger{},
		"database": &fakePinger{err: errors.New("connection refused")},
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "unavailable")
	assert.Contains(t, body, "unhealthy")
}

func TestLivenessEndpoint_AlwaysSucceedsRegardlessOfDeps(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(map[string]Pinger{
		"redis": &fakePinger{err: errors.New("down")},
	})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatfanout/platform/internal/v1/config"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitAPIGlobal: "5-M",
		RateLimitAPIAuth:   "5-M",
		RateLimitWsIP:      "5-M",
	}
}

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl, err := NewRateLimiter(testConfig(), rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_MemoryFallback(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestGlobalMiddleware_AllowsUpToLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.POST("/logic/send", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("POST", "/logic/send", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}

	req, _ := http.NewRequest("POST", "/logic/send", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestAuthMiddleware_SeparateBudgetFromGlobal(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/login", rl.AuthMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/logic/send", rl.GlobalMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("POST", "/api/login", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}

	// auth budget exhausted, but the global (logic/send) budget is untouched
	req, _ := http.NewRequest("POST", "/logic/send", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestCheckWebSocket_BlocksAfterLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws", nil)

	for i := 0; i < 5; i++ {
		assert.True(t, rl.CheckWebSocket(ctx))
	}
	assert.False(t, rl.CheckWebSocket(ctx))
}

func TestGlobalMiddleware_FailsOpenWhenRedisDown(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.POST("/logic/send", func(c *gin.Context) { c.Status(http.StatusOK) })

	req, _ := http.NewRequest("POST", "/logic/send", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

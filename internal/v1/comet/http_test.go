package comet

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, srv *Server) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	srv.RegisterRoutes(r, nil)
	return r
}

func TestWelcomePageServesHTML(t *testing.T) {
	srv, mr := newTestServer(t, nil)
	defer mr.Close()
	r := newTestRouter(t, srv)

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "it's up")
}

func TestCreateAccountThenLogin(t *testing.T) {
	srv, mr := newTestServer(t, nil)
	defer mr.Close()
	r := newTestRouter(t, srv)

	body := bytes.NewBufferString(`{"username":"alice","email":"alice@example.com","password":"hunter2"}`)
	req, _ := http.NewRequest(http.MethodPost, "/api/create-account", body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusNoContent, resp.Code)
	cookies := resp.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)

	loginBody := bytes.NewBufferString(`{"email":"alice@example.com","password":"hunter2"}`)
	loginReq, _ := http.NewRequest(http.MethodPost, "/api/login", loginBody)
	loginReq.Header.Set("Content-Type", "application/json")
	loginResp := httptest.NewRecorder()
	r.ServeHTTP(loginResp, loginReq)

	assert.Equal(t, http.StatusNoContent, loginResp.Code)
}

func TestCreateAccountDuplicateUsernameReturns400(t *testing.T) {
	srv, mr := newTestServer(t, nil)
	defer mr.Close()
	r := newTestRouter(t, srv)

	body := `{"username":"alice","email":"alice@example.com","password":"hunter2"}`

	first, _ := http.NewRequest(http.MethodPost, "/api/create-account", bytes.NewBufferString(body))
	first.Header.Set("Content-Type", "application/json")
	firstResp := httptest.NewRecorder()
	r.ServeHTTP(firstResp, first)
	require.Equal(t, http.StatusNoContent, firstResp.Code)

	second, _ := http.NewRequest(http.MethodPost, "/api/create-account", bytes.NewBufferString(body))
	second.Header.Set("Content-Type", "application/json")
	secondResp := httptest.NewRecorder()
	r.ServeHTTP(secondResp, second)
	assert.Equal(t, http.StatusBadRequest, secondResp.Code)
	assert.Contains(t, secondResp.Body.String(), "USERNAME_EXISTS")
}

func TestLoginWrongPasswordReturns400WithBadRequestID(t *testing.T) {
	srv, mr := newTestServer(t, nil)
	defer mr.Close()
	r := newTestRouter(t, srv)

	reqBody := bytes.NewBufferString(`{"username":"alice","email":"alice@example.com","password":"hunter2"}`)
	req, _ := http.NewRequest(http.MethodPost, "/api/create-account", reqBody)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(httptest.NewRecorder(), req)

	loginBody := bytes.NewBufferString(`{"email":"alice@example.com","password":"wrong"}`)
	loginReq, _ := http.NewRequest(http.MethodPost, "/api/login", loginBody)
	loginReq.Header.Set("Content-Type", "application/json")
	loginResp := httptest.NewRecorder()
	r.ServeHTTP(loginResp, loginReq)

	assert.Equal(t, http.StatusBadRequest, loginResp.Code)
	assert.Contains(t, loginResp.Body.String(), "BAD_REQUEST")
}

func TestValidateOriginAllowsEmptyOrigin(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	assert.NoError(t, validateOrigin(req, []string{"https://example.com"}))
}

func TestValidateOriginAllowsConfiguredOrigin(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://example.com")
	assert.NoError(t, validateOrigin(req, []string{"https://example.com"}))
}

func TestValidateOriginRejectsUnconfiguredOrigin(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.Error(t, validateOrigin(req, []string{"https://example.com"}))
}

package comet

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/chatfanout/platform/internal/v1/errs"
	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const welcomePage = `<!DOCTYPE html>
<html>
<head><title>chat edge node</title></head>
<body><h1>it's up</h1></body>
</html>
`

// RegisterRoutes mounts the edge node's HTTP surface: the welcome page,
// the two auth endpoints, and the WebSocket upgrade route.
func (s *Server) RegisterRoutes(router *gin.Engine, allowedOrigins []string) {
	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(welcomePage))
	})

	if s.limiter != nil {
		router.POST("/api/create-account", s.limiter.AuthMiddleware(), s.handleCreateAccount)
		router.POST("/api/login", s.limiter.AuthMiddleware(), s.handleLogin)
	} else {
		router.POST("/api/create-account", s.handleCreateAccount)
		router.POST("/api/login", s.handleLogin)
	}

	router.GET("/ws", func(c *gin.Context) {
		s.handleUpgrade(c, allowedOrigins)
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"id": "BAD_REQUEST", "message": "invalid request body"})
		return
	}

	token, err := s.auth.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"id": errs.ID(err), "message": "registration failed"})
		return
	}

	setSessionCookie(c, token)
	c.String(http.StatusNoContent, token)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"id": "BAD_REQUEST", "message": "invalid request body"})
		return
	}

	token, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"id": "BAD_REQUEST", "message": "email password no match"})
		return
	}

	setSessionCookie(c, token)
	c.String(http.StatusNoContent, token)
}

func setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie("sid", token, 86400, "/", "", false, true)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleUpgrade drives the AwaitHandshake -> Authenticating -> Active
// state transitions. The upgrade itself only depends on the HTTP
// handshake (Upgrade header, Sec-WebSocket-Key, origin) succeeding;
// the token, carried as the ?uid= query parameter or the sid cookie,
// is resolved only once the socket is already established, matching
// the donor's always-upgrade-then-validate ordering. A token that is
// missing or fails to resolve closes the new socket with a 1008 Close
// frame rather than failing the HTTP request itself.
func (s *Server) handleUpgrade(c *gin.Context, allowedOrigins []string) {
	if s.limiter != nil && !s.limiter.CheckWebSocket(c) {
		return
	}

	token := c.Query("uid")
	if token == "" {
		if cookie, err := c.Cookie("sid"); err == nil {
			token = cookie
		}
	}

	upgrader.CheckOrigin = func(r *http.Request) bool {
		return validateOrigin(r, allowedOrigins) == nil
	}

	ctx := c.Request.Context()
	rawConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	if token == "" {
		closeUpgradedConn(rawConn, 1008, "token validation failed")
		return
	}

	identity, err := s.auth.ResolveSession(ctx, token)
	if err != nil {
		closeUpgradedConn(rawConn, 1008, "token validation failed")
		return
	}

	connID := newConnectionID()
	conn := newConnection(connID, identity.UserID, identity.Username, rawConn, s)

	if err := s.activateConnection(ctx, conn); err != nil {
		logging.Error(ctx, "failed to activate connection", zap.Error(err), zap.String("conn_id", connID))
		conn.closeWith(1011, "registry unavailable")
		_ = rawConn.Close()
		return
	}

	go conn.writePump()
	go conn.readPump(context.Background(), s.maxFrameBytes)
}

// closeUpgradedConn sends a Close frame over an already-upgraded socket
// that never made it to Active, for the Authenticating -> Closing
// transition where no Connection/registry entry exists yet.
func closeUpgradedConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}

// validateOrigin checks the request's Origin header against an allow
// list; browsers omit it for non-browser clients, which are allowed
// through (matching the donor's CheckOrigin behavior).
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return nil
		}
	}
	return errBadOrigin
}

var errBadOrigin = errors.New("origin not allowed")

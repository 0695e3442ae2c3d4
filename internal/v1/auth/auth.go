// Package auth implements registration, login, and session-token issuance
// per the spec's opaque-token design: credentials never leave the server
// as a bearer the client can forge, and resolution at WebSocket handshake
// time is a Redis token lookup followed by a user-store lookup.
package auth

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/chatfanout/platform/internal/v1/bus"
	"github.com/chatfanout/platform/internal/v1/errs"
)

const saltAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// User is a durable user record.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Salt         string
}

// UserStore persists users. Errors use the errs sentinel set:
// errs.ErrUsernameExists, errs.ErrEmailExists from CreateUser;
// errs.ErrNotFound from GetUserByEmail.
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash, salt string) (id string, err error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
}

// Service issues sessions backed by a durable UserStore and the routing
// store's session-token cache.
type Service struct {
	users UserStore
	bus   *bus.Service
	ttl   time.Duration
}

// NewService wires a Service. ttl is the session token lifetime (spec
// default 24h).
func NewService(users UserStore, busSvc *bus.Service, ttl time.Duration) *Service {
	return &Service{users: users, bus: busSvc, ttl: ttl}
}

func generateSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	salt := make([]byte, 16)
	for i, b := range buf {
		salt[i] = saltAlphabet[int(b)%len(saltAlphabet)]
	}
	return string(salt), nil
}

// hashPassword computes MD5(password || salt), hex-encoded. This hash is
// intentionally weak per the spec's own open-question note; no KDF is
// substituted here (see design decisions).
func hashPassword(password, salt string) string {
	sum := md5.Sum([]byte(password + salt))
	return fmt.Sprintf("%x", sum)
}

// Register creates a new user with a freshly generated salt and issues a
// session for them, matching Login's post-success behavior.
func (s *Service) Register(ctx context.Context, username, email, password string) (token string, err error) {
	if username == "" || email == "" || password == "" {
		return "", errs.ErrBadRequest
	}

	salt, err := generateSalt()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrInternal, err)
	}
	hash := hashPassword(password, salt)

	if _, err := s.users.CreateUser(ctx, username, email, hash, salt); err != nil {
		return "", err
	}

	return s.issueSession(ctx, email)
}

// Login verifies credentials and issues a fresh session token on success.
func (s *Service) Login(ctx context.Context, email, password string) (token string, err error) {
	if email == "" || password == "" {
		return "", errs.ErrBadRequest
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return "", errs.ErrAuthFailed
	}

	candidate := hashPassword(password, user.Salt)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(user.PasswordHash)) != 1 {
		return "", errs.ErrAuthFailed
	}

	return s.issueSession(ctx, email)
}

func (s *Service) issueSession(ctx context.Context, email string) (string, error) {
	token, err := bus.NewSessionToken()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrInternal, err)
	}
	if err := s.bus.PutSession(ctx, token, email, s.ttl); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return token, nil
}

// Identity is the resolved identity of a session token.
type Identity struct {
	UserID   string
	Username string
	Email    string
}

// ResolveSession looks up a session token and returns the bound identity,
// fetching the (userid, username) pair from the durable store. Returns
// errs.ErrSessionExpired for an unknown or expired token, and
// errs.ErrNotFound when the token's user record is missing.
func (s *Service) ResolveSession(ctx context.Context, token string) (Identity, error) {
	email, err := s.bus.ResolveSession(ctx, token)
	if err != nil {
		return Identity{}, errs.ErrSessionExpired
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return Identity{}, errs.ErrNotFound
	}

	return Identity{UserID: user.ID, Username: user.Username, Email: user.Email}, nil
}

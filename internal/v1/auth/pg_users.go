package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/chatfanout/platform/internal/v1/errs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolationCode is Postgres's SQLSTATE for a unique constraint
// violation.
const uniqueViolationCode = "23505"

// PgUserStore is the Postgres-backed UserStore, driven through pgxpool.
type PgUserStore struct {
	db *pgxpool.Pool
}

// NewPgUserStore wraps a pool as a UserStore.
func NewPgUserStore(db *pgxpool.Pool) *PgUserStore {
	return &PgUserStore{db: db}
}

func (p *PgUserStore) CreateUser(ctx context.Context, username, email, passwordHash, salt string) (string, error) {
	var id int64
	err := p.db.QueryRow(ctx,
		`INSERT INTO users (username, email, password_hash, salt) VALUES ($1, $2, $3, $4) RETURNING id`,
		username, email, passwordHash, salt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			switch pgErr.ConstraintName {
			case "users_username_key":
				return "", errs.ErrUsernameExists
			case "users_email_key":
				return "", errs.ErrEmailExists
			default:
				return "", errs.ErrUsernameExists
			}
		}
		return "", fmt.Errorf("insert user: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

func (p *PgUserStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return p.scanUser(ctx, `SELECT id, username, email, password_hash, salt FROM users WHERE email = $1`, email)
}

func (p *PgUserStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return p.scanUser(ctx, `SELECT id, username, email, password_hash, salt FROM users WHERE id = $1`, id)
}

func (p *PgUserStore) scanUser(ctx context.Context, query string, arg any) (User, error) {
	var u User
	var id int64
	err := p.db.QueryRow(ctx, query, arg).Scan(&id, &u.Username, &u.Email, &u.PasswordHash, &u.Salt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, errs.ErrNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	u.ID = strconv.FormatInt(id, 10)
	return u, nil
}

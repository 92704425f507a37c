package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"municipal-api/internal/dbpool"
)

var (
	// ErrUserNotFound is returned when no row matches.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when the email is already registered.
	ErrUserExists = errors.New("user already exists")
)

// User is a row of the users table.
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	AccessLevel  string     `json:"access_level"`
	Active       bool       `json:"active"`
	PasswordHash string     `json:"-"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// UserStore is the account lookup the auth handlers need.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	RecordLogin(ctx context.Context, id int64) error
}

// PoolUserStore reads users through a resilient pool lease.
type PoolUserStore struct {
	pool *dbpool.Pool
}

// NewPoolUserStore returns a UserStore backed by pool.
func NewPoolUserStore(pool *dbpool.Pool) *PoolUserStore {
	return &PoolUserStore{pool: pool}
}

const userColumns = `user_id, email, password_hash, name, access_level, active, last_login_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.AccessLevel, &u.Active, &u.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func (s *PoolUserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.pool.Do(ctx, func(c dbpool.Conn) error {
		var err error
		u, err = scanUser(c.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email))
		return err
	})
	return u, err
}

func (s *PoolUserStore) FindByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.pool.Do(ctx, func(c dbpool.Conn) error {
		var err error
		u, err = scanUser(c.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE user_id = $1`, id))
		return err
	})
	return u, err
}

// RecordLogin stamps last_login_at.
func (s *PoolUserStore) RecordLogin(ctx context.Context, id int64) error {
	return s.pool.Do(ctx, func(c dbpool.Conn) error {
		tag, err := c.Exec(ctx, `UPDATE users SET last_login_at = NOW() WHERE user_id = $1`, id)
		if err != nil {
			return fmt.Errorf("record login: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// NewUser is the input to CreateUser.
type NewUser struct {
	Email       string
	Name        string
	AccessLevel string
	Password    string
}

// CreateUser validates and inserts an account with a bcrypt hash.
func (s *PoolUserStore) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	nu.Email = strings.TrimSpace(nu.Email)
	if !ValidateEmail(nu.Email) {
		return User{}, fmt.Errorf("invalid email %q", nu.Email)
	}
	if err := ValidatePassword(nu.Password); err != nil {
		return User{}, err
	}
	if nu.AccessLevel == "" {
		nu.AccessLevel = "user"
	}
	if !ValidateAccessLevel(nu.AccessLevel) {
		return User{}, fmt.Errorf("invalid access level %q", nu.AccessLevel)
	}
	hash, err := HashPassword(nu.Password)
	if err != nil {
		return User{}, err
	}

	var u User
	err = s.pool.Do(ctx, func(c dbpool.Conn) error {
		var err error
		u, err = scanUser(c.QueryRow(ctx,
			`INSERT INTO users (email, password_hash, name, access_level)
			 VALUES ($1, $2, $3, $4)
			 RETURNING `+userColumns,
			nu.Email, hash, nu.Name, strings.ToLower(nu.AccessLevel)))
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return User{}, ErrUserExists
	}
	return u, err
}

// Package identity owns user accounts and display-name resolution. Name
// resolution is best-effort everywhere it is consumed: when a lookup fails,
// the stable user identifier stands in for the display name.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"threatdesk/api/internal/apperr"
	"threatdesk/api/internal/store"
)

const minPasswordLength = 8

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

type Store interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(s Store, logger *zap.Logger) *Service {
	return &Service{store: s, logger: logger}
}

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return store.User{}, apperr.Validation("a valid email is required")
	}
	if len(password) < minPasswordLength {
		return store.User{}, apperr.Validation("password must be at least 8 characters")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, apperr.Internal("hash password")
	}

	user, err := s.store.CreateUser(ctx, store.User{
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.User{}, apperr.Conflict("email already registered", nil)
		}
		return store.User{}, apperr.FromStore(err)
	}
	return user, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, apperr.Unauthorized("invalid credentials")
		}
		return store.User{}, apperr.FromStore(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, apperr.Unauthorized("invalid credentials")
	}
	return user, nil
}

// DisplayName resolves a user ID to a display name, falling back to the
// identifier itself.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && s.logger != nil {
			s.logger.Debug("display name lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return userID
	}
	if user.DisplayName == "" {
		return userID
	}
	return user.DisplayName
}

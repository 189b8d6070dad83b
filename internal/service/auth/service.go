package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
	"github.com/jmccormack1717/SecuraFlow/internal/repository"
	"github.com/jmccormack1717/SecuraFlow/pkg/crypto"
	jwtpkg "github.com/jmccormack1717/SecuraFlow/pkg/jwt"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

var (
	// ErrInvalidCredentials is returned for unknown users, wrong passwords and inactive accounts.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidSignup is returned when signup input fails validation.
	ErrInvalidSignup = errors.New("auth: invalid signup")
	// ErrUnauthorized is returned when a bearer token cannot be honoured.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// Service handles authentication workflows.
type Service struct {
	users     repository.UserRepository
	logger    *slog.Logger
	jwtSecret string
	tokenTTL  time.Duration
	now       func() time.Time
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, jwtSecret string, tokenTTL time.Duration) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 7 * 24 * time.Hour
	}
	return Service{
		users:     users,
		logger:    logger.With("component", "auth"),
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

// Token is an issued access token.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
}

// Signup registers a new user. Duplicate emails or usernames surface as
// repository.ErrConflict.
func (s Service) Signup(ctx context.Context, email, username, password string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, fmt.Errorf("%w: valid email required", ErrInvalidSignup)
	}
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrInvalidSignup)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidSignup, MinPasswordLength)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// Login authenticates a user by username and returns an access token.
func (s Service) Login(ctx context.Context, username, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.jwtSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrUnauthorized
	}
	return user, claims, nil
}

func (s Service) issueToken(user *domain.User) (Token, error) {
	access, err := jwtpkg.GenerateToken(user.ID, user.Username, s.jwtSecret, s.tokenTTL)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: access, TokenType: "bearer", ExpiresIn: s.tokenTTL}, nil
}

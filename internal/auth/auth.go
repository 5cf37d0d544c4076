package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"pavilion/internal/models"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists = errors.New("user already exists")
)

// UserStore is the account persistence auth needs.
type UserStore interface {
	CreateUser(user models.User, passwordHash string) error
	FindUserByHandle(handle string) (models.User, string, error)
}

type RegistrationRequest struct {
	Handle      string `json:"handle" validate:"required,min=2,max=32"`
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"displayName" validate:"max=64"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	Token       string       `json:"token,omitempty"`
	TokenExpiry int64        `json:"tokenExpiry,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

// loginState tracks consecutive failed attempts per handle to throttle
// brute force attacks.
type loginState struct {
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (ls *loginState) reset(now time.Time) {
	ls.FailedLoginAttempts = 0
	ls.LastAttemptTime = now.Unix()
}

func (ls *loginState) fail(now time.Time) {
	ls.FailedLoginAttempts++
	ls.LastAttemptTime = now.Unix()
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type AuthService struct {
	Config
	store      UserStore
	attempts   *geche.Locker[string, *loginState]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store UserStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		attempts:   geche.NewLocker[string, *loginState](geche.NewMapCache[string, *loginState]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Register creates a new account. The handle must be unique.
func (as *AuthService) Register(req RegistrationRequest) (models.User, error) {
	if _, _, err := as.store.FindUserByHandle(req.Handle); err == nil {
		return models.User{}, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Handle
	}

	user := models.User{
		ID:          uuid.NewString(),
		Handle:      req.Handle,
		Email:       req.Email,
		DisplayName: displayName,
		CreatedAt:   as.now().UnixMilli(),
	}
	if err := as.store.CreateUser(user, string(hash)); err != nil {
		return models.User{}, fmt.Errorf("failed to store user: %w", err)
	}

	return user, nil
}

// Login checks credentials and returns a signed session token. The
// second return value is the user id on success.
func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()
	tx := as.attempts.Lock()
	defer tx.Unlock()

	state, err := tx.Get(req.Handle)
	if err != nil {
		state = &loginState{}
		tx.Set(req.Handle, state)
	}

	// Quadratic backoff after repeated failures.
	if state.FailedLoginAttempts > 3 {
		nextAttempt := state.LastAttemptTime + 30*(state.FailedLoginAttempts*state.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	user, passwordHash, err := as.store.FindUserByHandle(req.Handle)
	if err != nil {
		state.fail(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)) != nil {
		state.fail(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	token, err := as.generateToken(user.ID, now)
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, ""
	}

	as.liveTokens.Set(token, user.ID)
	state.reset(now)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
		User:        &user,
	}, user.ID
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) generateToken(userID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(as.TokenExpiry)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(as.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// GetUserID resolves a session token to a user id. A token must both
// carry a valid signature and still be present in the live-token cache,
// so logoff revokes it before its expiry.
func (as *AuthService) GetUserID(token string) (string, error) {
	userID, err := as.liveTokens.Get(token)
	if err != nil {
		return "", models.ErrUnauthorized
	}

	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(as.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(as.now))
	if err != nil || claims.Subject != userID {
		return "", models.ErrUnauthorized
	}

	return userID, nil
}

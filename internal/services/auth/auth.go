package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"authservice/internal/domain/models"
	jwtlib "authservice/internal/lib/jwt"
	"authservice/internal/lib/sl"
	"authservice/internal/storage"
)

// Auth orchestrates login, refresh rotation, logout and token validation.
// It holds no per-request state; everything lives in the credential store
// and the refresh-token ledger.
type Auth struct {
	logger        *slog.Logger
	userSaver     UserSaver
	userProvider  UserProvider
	ledger        TokenLedger
	passwords     PasswordVerifier
	codec         *jwtlib.Codec
	refreshPepper string
}

type UserSaver interface {
	SaveUser(
		ctx context.Context,
		username, email string,
		passHash []byte,
		role models.Role,
	) (uid int64, err error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

type UserProvider interface {
	User(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, userID int64) (*models.User, error)
}

// TokenLedger is the persisted set of live refresh-token records, keyed
// by token hash. RedeemRefreshToken must be atomic: of two concurrent
// redeems of the same hash exactly one may succeed.
type TokenLedger interface {
	SaveRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RedeemRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, tokenHash string) error
	RevokeRefreshTokensByUser(ctx context.Context, userID int64) error
}

type PasswordVerifier interface {
	Encode(raw string) ([]byte, error)
	Matches(raw string, hash []byte) bool
}

var (
	ErrValidation         = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrEmailAlreadyExists = errors.New("email already exists")
	ErrMalformedToken     = errors.New("malformed token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenNotFound      = errors.New("refresh token not found")
	ErrTokenExpired       = errors.New("refresh token expired")
	ErrTokenRevoked       = errors.New("refresh token revoked")
)

// AuthResult is the response payload of every successful token-issuing
// operation.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Username     string
	Role         models.Role
}

// New returns a new instance of the Auth service.
func New(
	logger *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	ledger TokenLedger,
	passwords PasswordVerifier,
	codec *jwtlib.Codec,
	refreshPepper string,
) *Auth {
	return &Auth{
		logger:        logger,
		userSaver:     userSaver,
		userProvider:  userProvider,
		ledger:        ledger,
		passwords:     passwords,
		codec:         codec,
		refreshPepper: refreshPepper,
	}
}

// Register creates a new user with a normalized role.
func (a *Auth) Register(
	ctx context.Context,
	username, email, password, role string,
) (int64, error) {
	const op = "auth.Register"
	log := a.logger.With(
		slog.String("op", op),
		slog.String("username", username),
	)

	if username == "" || email == "" || password == "" {
		return 0, fmt.Errorf("%s: %w", op, ErrValidation)
	}

	if exists, err := a.userSaver.ExistsByUsername(ctx, username); err != nil {
		log.Error("failed to check username", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	} else if exists {
		log.Warn("username taken")
		return 0, fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
	}

	if exists, err := a.userSaver.ExistsByEmail(ctx, email); err != nil {
		log.Error("failed to check email", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	} else if exists {
		log.Warn("email taken")
		return 0, fmt.Errorf("%s: %w", op, ErrEmailAlreadyExists)
	}

	passHash, err := a.passwords.Encode(password)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	userID, err := a.userSaver.SaveUser(ctx, username, email, passHash, models.ParseRole(role))
	if err != nil {
		if errors.Is(err, storage.ErrUserAlreadyExists) {
			return 0, fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
		}
		if errors.Is(err, storage.ErrEmailAlreadyExists) {
			return 0, fmt.Errorf("%s: %w", op, ErrEmailAlreadyExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.Int64("userID", userID))

	return userID, nil
}

// Login authenticates a user and issues an access/refresh token pair.
// Unknown usernames and wrong passwords both surface as
// ErrInvalidCredentials; only the log distinguishes them.
func (a *Auth) Login(
	ctx context.Context,
	username, password string,
) (*AuthResult, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))

	user, err := a.userProvider.User(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !user.Usable() {
		log.Warn("account not usable", slog.Int64("userID", user.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if !a.passwords.Matches(password, user.PassHash) {
		log.Warn("invalid password", slog.Int64("userID", user.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	result, err := a.issuePair(ctx, user)
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.Int64("userID", user.ID))

	return result, nil
}

// Refresh redeems a refresh token and issues a new pair (rotation). The
// presented token is consumed atomically before the new pair exists, so
// a replay of an already-rotated token can never revive a session.
func (a *Auth) Refresh(
	ctx context.Context,
	refreshToken string,
) (*AuthResult, error) {
	const op = "auth.Refresh"
	log := a.logger.With(slog.String("op", op))

	record, err := a.ledger.RedeemRefreshToken(ctx, a.hashRefreshToken(refreshToken))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenNotFound):
			log.Warn("refresh token not found")
			return nil, fmt.Errorf("%s: %w", op, ErrTokenNotFound)
		case errors.Is(err, storage.ErrTokenExpired):
			log.Warn("refresh token expired")
			return nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		case errors.Is(err, storage.ErrTokenRevoked):
			log.Warn("refresh token revoked")
			return nil, fmt.Errorf("%s: %w", op, ErrTokenRevoked)
		}
		log.Error("failed to redeem refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The owning user may have been deleted since issuance.
	user, err := a.userProvider.UserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("token owner no longer exists", slog.Int64("userID", record.UserID))
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !user.Usable() {
		log.Warn("account not usable", slog.Int64("userID", user.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	result, err := a.issuePair(ctx, user)
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens refreshed", slog.Int64("userID", user.ID))

	return result, nil
}

// Logout deletes the ledger record of the presented refresh token.
// Idempotent: an unknown token is a successful logout.
func (a *Auth) Logout(ctx context.Context, refreshToken string) error {
	const op = "auth.Logout"
	log := a.logger.With(slog.String("op", op))

	if refreshToken == "" {
		return nil
	}

	if err := a.ledger.DeleteRefreshToken(ctx, a.hashRefreshToken(refreshToken)); err != nil {
		log.Error("failed to delete refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("logged out")

	return nil
}

// LogoutAll revokes every refresh token owned by the named user.
func (a *Auth) LogoutAll(ctx context.Context, username string) error {
	const op = "auth.LogoutAll"
	log := a.logger.With(slog.String("op", op), slog.String("username", username))

	user, err := a.userProvider.User(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found")
			return fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := a.ledger.RevokeRefreshTokensByUser(ctx, user.ID); err != nil {
		log.Error("failed to revoke refresh tokens", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("all sessions revoked", slog.Int64("userID", user.ID))

	return nil
}

// Validate resolves an access token to the identity it was issued for.
// Protected request paths call this on every request.
func (a *Auth) Validate(ctx context.Context, accessToken string) (*models.User, error) {
	const op = "auth.Validate"
	log := a.logger.With(slog.String("op", op))

	subject, err := a.codec.ExtractSubject(accessToken)
	if err != nil {
		log.Warn("malformed access token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrMalformedToken)
	}

	user, err := a.userProvider.User(ctx, subject)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("token subject no longer exists", slog.String("subject", subject))
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !a.codec.IsValid(accessToken, user) {
		log.Warn("invalid access token", slog.String("subject", subject))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return user, nil
}

// issuePair mints an access/refresh pair and persists the refresh record.
func (a *Auth) issuePair(ctx context.Context, user *models.User) (*AuthResult, error) {
	accessToken, err := a.codec.IssueAccessToken(user)
	if err != nil {
		return nil, err
	}

	refreshToken, err := a.codec.IssueRefreshToken(user)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(a.codec.RefreshTTL())
	if err := a.ledger.SaveRefreshToken(ctx, user.ID, a.hashRefreshToken(refreshToken), expiresAt); err != nil {
		return nil, err
	}

	return &AuthResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(a.codec.AccessTTL().Seconds()),
		Username:     user.Username,
		Role:         user.Role,
	}, nil
}

// hashRefreshToken computes the SHA-256 ledger key of a raw token with
// pepper. Raw token strings never reach storage.
func (a *Auth) hashRefreshToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token + a.refreshPepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

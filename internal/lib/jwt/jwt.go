package jwt

import (
	"errors"
	"fmt"
	"time"

	"authservice/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrMalformedToken is returned when a token string cannot be parsed or
// its signature does not verify.
var ErrMalformedToken = errors.New("malformed token")

// Claims carried by both access and refresh tokens. Subject is the
// username; refresh tokens additionally get a random jti.
type Claims struct {
	Role   string `json:"role"`
	Email  string `json:"email"`
	UserID int64  `json:"uid"`
	jwt.RegisteredClaims
}

// Codec mints and verifies signed tokens with a single symmetric key.
// Tokens are immutable once issued.
type Codec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewCodec(secret string, accessTTL, refreshTTL time.Duration) *Codec {
	return &Codec{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (c *Codec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccessToken creates a short-lived access token for the user.
func (c *Codec) IssueAccessToken(user *models.User) (string, error) {
	return c.issue(user, c.accessTTL, "")
}

// IssueRefreshToken creates a refresh token for the user. The jti makes
// two refresh tokens minted within the same second distinct.
func (c *Codec) IssueRefreshToken(user *models.User) (string, error) {
	return c.issue(user, c.refreshTTL, uuid.NewString())
}

func (c *Codec) issue(user *models.User, ttl time.Duration, jti string) (string, error) {
	const op = "jwt.issue"

	now := time.Now()
	claims := Claims{
		Role:   user.Role.String(),
		Email:  user.Email,
		UserID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// ParseClaims verifies the signature and returns the claims without
// validating expiry. Callers decide what an expired token means.
func (c *Codec) ParseClaims(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return c.secret, nil
		},
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformedToken
	}

	return claims, nil
}

// ExtractSubject returns the username the token was issued to, failing
// with ErrMalformedToken on any parse or signature failure.
func (c *Codec) ExtractSubject(tokenString string) (string, error) {
	claims, err := c.ParseClaims(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// IsValid reports whether the token belongs to the user and is not
// expired. Expiry uses wall-clock time with no leeway. Parse failures
// are invalid, not errors.
func (c *Codec) IsValid(tokenString string, user *models.User) bool {
	claims, err := c.ParseClaims(tokenString)
	if err != nil {
		return false
	}
	if claims.Subject != user.Username {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.Before(time.Now())
}

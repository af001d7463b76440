package jwt

import (
	"testing"
	"time"

	"authservice/internal/domain/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func testUser() *models.User {
	return &models.User{
		ID:       42,
		Username: gofakeit.Username(),
		Email:    gofakeit.Email(),
		Role:     models.RoleAdmin,
	}
}

func TestCodec_AccessToken_RoundTrip(t *testing.T) {
	codec := NewCodec(testSecret, 15*time.Minute, 24*time.Hour)
	user := testUser()

	token, err := codec.IssueAccessToken(user)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	subject, err := codec.ExtractSubject(token)
	require.NoError(t, err)
	assert.Equal(t, user.Username, subject)

	claims, err := codec.ParseClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "ADMIN", claims.Role)
	assert.Equal(t, user.Email, claims.Email)
	assert.Equal(t, user.ID, claims.UserID)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), claims.ExpiresAt.Time, 2*time.Second)
	require.NotNil(t, claims.IssuedAt)
	assert.WithinDuration(t, time.Now(), claims.IssuedAt.Time, 2*time.Second)
}

func TestCodec_RefreshToken_HasJTI(t *testing.T) {
	codec := NewCodec(testSecret, 15*time.Minute, 24*time.Hour)
	user := testUser()

	first, err := codec.IssueRefreshToken(user)
	require.NoError(t, err)
	second, err := codec.IssueRefreshToken(user)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	claims, err := codec.ParseClaims(first)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt.Time, 2*time.Second)
}

func TestCodec_IsValid(t *testing.T) {
	codec := NewCodec(testSecret, 15*time.Minute, 24*time.Hour)
	user := testUser()

	token, err := codec.IssueAccessToken(user)
	require.NoError(t, err)

	assert.True(t, codec.IsValid(token, user))

	other := testUser()
	other.Username = user.Username + "-other"
	assert.False(t, codec.IsValid(token, other))

	assert.False(t, codec.IsValid("garbage", user))
}

func TestCodec_IsValid_Expired(t *testing.T) {
	codec := NewCodec(testSecret, -time.Minute, 24*time.Hour)
	user := testUser()

	token, err := codec.IssueAccessToken(user)
	require.NoError(t, err)

	// Signature still verifies, so the subject is extractable even though
	// the token no longer validates.
	subject, err := codec.ExtractSubject(token)
	require.NoError(t, err)
	assert.Equal(t, user.Username, subject)

	assert.False(t, codec.IsValid(token, user))
}

func TestCodec_ExtractSubject_Malformed(t *testing.T) {
	codec := NewCodec(testSecret, 15*time.Minute, 24*time.Hour)

	_, err := codec.ExtractSubject("not.a.jwt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = codec.ExtractSubject("")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestCodec_ExtractSubject_WrongKey(t *testing.T) {
	codec := NewCodec(testSecret, 15*time.Minute, 24*time.Hour)
	forged := NewCodec("other-secret", 15*time.Minute, 24*time.Hour)
	user := testUser()

	token, err := forged.IssueAccessToken(user)
	require.NoError(t, err)

	_, err = codec.ExtractSubject(token)
	assert.ErrorIs(t, err, ErrMalformedToken)
	assert.False(t, codec.IsValid(token, user))
}

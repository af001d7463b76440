package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"authservice/internal/domain/models"
	jwtlib "authservice/internal/lib/jwt"
	"authservice/internal/lib/password"
	"authservice/internal/storage"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory credential store and token ledger used to
// exercise the orchestrator without a database. Redeem holds the lock for
// the whole lookup-classify-delete step, mirroring the atomicity the real
// backends get from conditional deletes.
type fakeStore struct {
	mu         sync.Mutex
	users      map[string]*models.User
	tokens     map[string]*models.RefreshToken
	nextUserID int64
	nextTokID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]*models.User),
		tokens: make(map[string]*models.RefreshToken),
	}
}

func (f *fakeStore) SaveUser(_ context.Context, username, email string, passHash []byte, role models.Role) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.users[username]; ok {
		return 0, storage.ErrUserAlreadyExists
	}
	for _, u := range f.users {
		if u.Email == email {
			return 0, storage.ErrEmailAlreadyExists
		}
	}

	f.nextUserID++
	now := time.Now()
	f.users[username] = &models.User{
		ID:                    f.nextUserID,
		Username:              username,
		Email:                 email,
		PassHash:              passHash,
		Role:                  role,
		Enabled:               true,
		AccountNonExpired:     true,
		AccountNonLocked:      true,
		CredentialsNonExpired: true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	return f.nextUserID, nil
}

func (f *fakeStore) ExistsByUsername(_ context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[username]
	return ok, nil
}

func (f *fakeStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) User(_ context.Context, username string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) UserByID(_ context.Context, userID int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == userID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (f *fakeStore) deleteUser(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, username)
}

func (f *fakeStore) disableUser(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[username]; ok {
		u.Enabled = false
	}
}

func (f *fakeStore) SaveRefreshToken(_ context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.tokens[tokenHash]; ok {
		return storage.ErrTokenAlreadyExists
	}
	f.nextTokID++
	f.tokens[tokenHash] = &models.RefreshToken{
		ID:        f.nextTokID,
		TokenHash: tokenHash,
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	return nil
}

func (f *fakeStore) RefreshToken(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) RedeemRefreshToken(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if t.Revoked {
		return nil, storage.ErrTokenRevoked
	}
	delete(f.tokens, tokenHash)
	if t.Expired(time.Now()) {
		return nil, storage.ErrTokenExpired
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) DeleteRefreshToken(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, tokenHash)
	return nil
}

func (f *fakeStore) RevokeRefreshTokensByUser(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

const testSecret = "test-signing-secret"

func newTestAuth(accessTTL, refreshTTL time.Duration) (*Auth, *fakeStore) {
	store := newFakeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec := jwtlib.NewCodec(testSecret, accessTTL, refreshTTL)
	svc := New(logger, store, store, store, password.NewVerifier(), codec, "test-pepper")
	return svc, store
}

func registerUser(t *testing.T, svc *Auth, role string) (username, pass string) {
	t.Helper()
	username = gofakeit.Username()
	pass = gofakeit.Password(true, true, true, false, false, 12)
	_, err := svc.Register(context.Background(), username, gofakeit.Email(), pass, role)
	require.NoError(t, err)
	return username, pass
}

func TestLogin_Success_ValidateResolvesSameUser(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()
	username, pass := registerUser(t, svc, "user")

	res, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)
	require.NotEmpty(t, res.AccessToken)
	require.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, int64(900), res.ExpiresIn)
	assert.Equal(t, username, res.Username)
	assert.Equal(t, models.RoleUser, res.Role)

	user, err := svc.Validate(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, username, user.Username)
}

func TestLogin_UnknownUser_GenericFailure(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)

	res, err := svc.Login(context.Background(), "ghost", "x")
	require.Error(t, err)
	assert.Nil(t, res)
	// Unknown user must not be distinguishable from a wrong password.
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.NotErrorIs(t, err, ErrUserNotFound)
}

func TestLogin_WrongPassword(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	username, pass := registerUser(t, svc, "user")

	res, err := svc.Login(context.Background(), username, pass+"nope")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_DisabledAccount(t *testing.T) {
	svc, store := newTestAuth(15*time.Minute, 24*time.Hour)
	username, pass := registerUser(t, svc, "user")
	store.disableUser(username)

	_, err := svc.Login(context.Background(), username, pass)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh_RotatesAndConsumesOldToken(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()
	username, pass := registerUser(t, svc, "user")

	loginRes, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)

	refreshed, err := svc.Refresh(ctx, loginRes.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, loginRes.RefreshToken, refreshed.RefreshToken)
	assert.Equal(t, username, refreshed.Username)

	// The redeemed token is gone; replaying it never succeeds.
	_, err = svc.Refresh(ctx, loginRes.RefreshToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	// The successor still works.
	again, err := svc.Refresh(ctx, refreshed.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, refreshed.RefreshToken, again.RefreshToken)
}

func TestRefresh_ExpiredToken(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, -time.Second)
	ctx := context.Background()
	username, pass := registerUser(t, svc, "user")

	loginRes, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, loginRes.RefreshToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Lazy cleanup: the expired row was deleted during redemption.
	_, err = svc.Refresh(ctx, loginRes.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRefresh_UnknownToken(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)

	_, err := svc.Refresh(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRefresh_OwnerDeleted(t *testing.T) {
	svc, store := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()
	username, pass := registerUser(t, svc, "user")

	loginRes, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)

	store.deleteUser(username)

	_, err = svc.Refresh(ctx, loginRes.RefreshToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRefresh_ConcurrentRedeem_ExactlyOneWinner(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()
	username, pass := registerUser(t, svc, "user")

	loginRes, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(ctx, loginRes.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrTokenNotFound)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestLogout_Idempotent(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()
	username, pass := registerUser(t, svc, "user")

	loginRes, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, loginRes.RefreshToken))
	require.NoError(t, svc.Logout(ctx, loginRes.RefreshToken))
	require.NoError(t, svc.Logout(ctx, "never-issued"))
	require.NoError(t, svc.Logout(ctx, ""))

	_, err = svc.Refresh(ctx, loginRes.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestLogoutAll_RevokesEverySession(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()
	username, pass := registerUser(t, svc, "user")

	first, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)
	second, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)

	require.NoError(t, svc.LogoutAll(ctx, username))

	_, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = svc.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestLogoutAll_UnknownUser(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)

	err := svc.LogoutAll(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestValidate_Failures(t *testing.T) {
	svc, store := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()
	username, pass := registerUser(t, svc, "user")

	loginRes, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, "not.a.token")
	assert.ErrorIs(t, err, ErrMalformedToken)

	store.deleteUser(username)
	_, err = svc.Validate(ctx, loginRes.AccessToken)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestValidate_ExpiredAccessToken(t *testing.T) {
	svc, _ := newTestAuth(-time.Minute, 24*time.Hour)
	ctx := context.Background()
	username, pass := registerUser(t, svc, "user")

	loginRes, err := svc.Login(ctx, username, pass)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, loginRes.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		email    string
		pass     string
	}{
		{name: "empty username", username: "", email: "a@b.c", pass: "secret"},
		{name: "empty email", username: "user", email: "", pass: "secret"},
		{name: "empty password", username: "user", email: "a@b.c", pass: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.username, tt.email, tt.pass, "user")
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestRegister_Duplicates(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()

	username := gofakeit.Username()
	email := gofakeit.Email()
	_, err := svc.Register(ctx, username, email, "Secret123", "user")
	require.NoError(t, err)

	_, err = svc.Register(ctx, username, gofakeit.Email(), "Secret123", "user")
	assert.ErrorIs(t, err, ErrUserAlreadyExists)

	_, err = svc.Register(ctx, gofakeit.Username(), email, "Secret123", "user")
	assert.ErrorIs(t, err, ErrEmailAlreadyExists)
}

func TestRegister_RoleNormalization(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()

	username := gofakeit.Username()
	_, err := svc.Register(ctx, username, gofakeit.Email(), "Secret123", "admin")
	require.NoError(t, err)

	res, err := svc.Login(ctx, username, "Secret123")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, res.Role)

	other := gofakeit.Username()
	_, err = svc.Register(ctx, other, gofakeit.Email(), "Secret123", "wizard")
	require.NoError(t, err)

	res, err = svc.Login(ctx, other, "Secret123")
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, res.Role)
}

func TestAdminScenario(t *testing.T) {
	svc, _ := newTestAuth(15*time.Minute, 24*time.Hour)
	ctx := context.Background()

	_, err := svc.Register(ctx, "admin", "admin@example.com", "admin123", "ADMIN")
	require.NoError(t, err)

	res, err := svc.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, res.Role)
	assert.Equal(t, "Bearer", res.TokenType)

	user, err := svc.Validate(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)
	assert.Equal(t, models.RoleAdmin, user.Role)

	refreshed, err := svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, refreshed.RefreshToken)

	_, err = svc.Refresh(ctx, res.RefreshToken)
	require.Error(t, err)
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"authservice/internal/domain/models"
	"authservice/internal/storage"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

const userColumns = `id, username, email, pass_hash, role,
	enabled, account_non_expired, account_non_locked, credentials_non_expired,
	created_at, updated_at`

func (s *Storage) SaveUser(ctx context.Context, username, email string, passHash []byte, role models.Role) (int64, error) {
	const op = "storage.sqlite.SaveUser"

	stmt, err := s.db.Prepare(`INSERT INTO users (username, email, pass_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	now := time.Now()
	result, err := stmt.ExecContext(ctx, username, email, passHash, role.String(), now, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			if strings.Contains(sqliteErr.Error(), "users.email") {
				return 0, fmt.Errorf("%s: %w", op, storage.ErrEmailAlreadyExists)
			}
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return result.LastInsertId()
}

func (s *Storage) User(ctx context.Context, username string) (*models.User, error) {
	const op = "storage.sqlite.User"

	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = ?", username)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.sqlite.UserByID"

	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", userID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

func (s *Storage) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	const op = "storage.sqlite.ExistsByUsername"
	return s.exists(ctx, op, "SELECT 1 FROM users WHERE username = ?", username)
}

func (s *Storage) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	const op = "storage.sqlite.ExistsByEmail"
	return s.exists(ctx, op, "SELECT 1 FROM users WHERE email = ?", email)
}

func (s *Storage) exists(ctx context.Context, op, query string, arg any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	var role string
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PassHash,
		&role,
		&user.Enabled,
		&user.AccountNonExpired,
		&user.AccountNonLocked,
		&user.CredentialsNonExpired,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Role = models.ParseRole(role)
	return &user, nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	const op = "storage.sqlite.SaveRefreshToken"

	stmt, err := s.db.Prepare(`INSERT INTO refresh_tokens (token_hash, user_id, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, 0)`)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, tokenHash, userID, time.Now(), expiresAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshToken"

	row := s.db.QueryRowContext(ctx,
		`SELECT id, token_hash, user_id, created_at, expires_at, revoked
		 FROM refresh_tokens WHERE token_hash = ?`, tokenHash)

	var token models.RefreshToken
	err := row.Scan(&token.ID, &token.TokenHash, &token.UserID, &token.CreatedAt, &token.ExpiresAt, &token.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &token, nil
}

// RedeemRefreshToken atomically removes a live token row and returns it.
// The conditional DELETE ... RETURNING is a single statement, so two
// concurrent redeems of the same hash can never both succeed. Expired
// rows are removed here as well and reported as expired.
func (s *Storage) RedeemRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RedeemRefreshToken"

	row := s.db.QueryRowContext(ctx,
		`DELETE FROM refresh_tokens WHERE token_hash = ? AND revoked = 0
		 RETURNING id, token_hash, user_id, created_at, expires_at`, tokenHash)

	var token models.RefreshToken
	err := row.Scan(&token.ID, &token.TokenHash, &token.UserID, &token.CreatedAt, &token.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.classifyMissing(ctx, op, tokenHash)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.Expired(time.Now()) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenExpired)
	}

	return &token, nil
}

// classifyMissing distinguishes a token that never existed (or was
// already redeemed) from one held back by its revoke flag.
func (s *Storage) classifyMissing(ctx context.Context, op, tokenHash string) error {
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		"SELECT revoked FROM refresh_tokens WHERE token_hash = ?", tokenHash).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, storage.ErrTokenRevoked)
}

// DeleteRefreshToken removes a token row. Deleting a missing token is
// not an error.
func (s *Storage) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	const op = "storage.sqlite.DeleteRefreshToken"

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE token_hash = ?", tokenHash)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RevokeRefreshTokensByUser marks every token owned by the user as
// revoked. Rows are kept for audit.
func (s *Storage) RevokeRefreshTokensByUser(ctx context.Context, userID int64) error {
	const op = "storage.sqlite.RevokeRefreshTokensByUser"

	_, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

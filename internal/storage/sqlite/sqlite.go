package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"

	"wheelauth/internal/domain/models"
	"wheelauth/internal/storage"
)

type Storage struct {
	db *sql.DB
}

// New opens the sqlite database at the given path.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.sqlite.SaveUser"

	stmt, err := s.db.Prepare(
		"INSERT INTO users (id, email, pass_hash, full_name, timezone, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("%s: %w", op, wrap(err))
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx,
		user.ID, user.Email, user.PassHash, user.FullName, user.Timezone, user.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return fmt.Errorf("%s: %w", op, wrap(err))
	}
	return nil
}

func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.sqlite.UserByEmail"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, full_name, timezone, created_at FROM users WHERE email = ?", email)
	return scanUser(op, row)
}

func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.sqlite.UserByID"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, full_name, timezone, created_at FROM users WHERE id = ?", userID)
	return scanUser(op, row)
}

func scanUser(op string, row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.PassHash, &user.FullName, &user.Timezone, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, wrap(err))
	}
	return &user, nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const op = "storage.sqlite.SaveRefreshToken"

	if err := s.insertToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshTokenByHash"

	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, device_info, origin_address, created_at, expires_at, revoked_at
		 FROM refresh_tokens WHERE token_hash = ?`, tokenHash)

	var token models.RefreshToken
	var revokedAt sql.NullTime
	err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.DeviceInfo,
		&token.OriginAddress, &token.CreatedAt, &token.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, wrap(err))
	}
	if revokedAt.Valid {
		token.RevokedAt = &revokedAt.Time
	}
	return &token, nil
}

// RotateRefreshToken revokes the record with oldHash and inserts the
// replacement in one transaction. The revoke is conditional on the record
// still being unrevoked; a concurrent rotation that got there first makes
// this call fail with storage.ErrTokenRevoked and nothing is written.
func (s *Storage) RotateRefreshToken(ctx context.Context, oldHash string, newToken *models.RefreshToken) error {
	const op = "storage.sqlite.RotateRefreshToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, wrap(err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL",
		time.Now().UTC(), oldHash)
	if err != nil {
		return fmt.Errorf("%s: revoke old: %w", op, wrap(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, wrap(err))
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM refresh_tokens WHERE token_hash = ?", oldHash).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, wrap(err))
		}
		return fmt.Errorf("%s: %w", op, storage.ErrTokenRevoked)
	}

	if err := s.insertToken(ctx, tx, newToken); err != nil {
		return fmt.Errorf("%s: insert new: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, wrap(err))
	}
	return nil
}

// RevokeAllForUser bulk-revokes every unrevoked record of the user in a
// single conditional statement and returns the number of records touched.
func (s *Storage) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	const op = "storage.sqlite.RevokeAllForUser"

	res, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL",
		time.Now().UTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, wrap(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, wrap(err))
	}
	return affected, nil
}

// PurgeTokens hard-deletes every record that is expired or revoked.
func (s *Storage) PurgeTokens(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.sqlite.PurgeTokens"

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE expires_at < ? OR revoked_at IS NOT NULL", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, wrap(err))
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, wrap(err))
	}
	return deleted, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Storage) insertToken(ctx context.Context, db execer, token *models.RefreshToken) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, device_info, origin_address, created_at, expires_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		token.ID, token.UserID, token.TokenHash, token.DeviceInfo,
		token.OriginAddress, token.CreatedAt, token.ExpiresAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return storage.ErrTokenExists
		}
		return wrap(err)
	}
	return nil
}

// wrap tags timeout and lock contention failures as transient.
func wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}

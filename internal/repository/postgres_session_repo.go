package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/satez/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionSelect = `SELECT s.id, s.user_id, u.email, u.name, s.refresh_token, s.created_at, s.expires_at
	FROM sessions s
	JOIN users u ON u.id = s.user_id`

func (r *PostgresSessionRepo) findOne(ctx context.Context, where string, arg string) (*model.Session, error) {
	session := &model.Session{}
	err := r.db.QueryRowContext(ctx, sessionSelect+` WHERE `+where, arg).Scan(
		&session.ID, &session.UserID, &session.Email, &session.DisplayName,
		&session.RefreshToken, &session.IssuedAt, &session.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session, refreshExpiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, refresh_token, expires_at, refresh_expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.UserID, session.RefreshToken, session.ExpiresAt, refreshExpiresAt, session.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return r.findOne(ctx, `s.id = $1 AND s.expires_at > now()`, id)
}

// FindByRefreshToken はリフレッシュトークンでセッションを取得する。
func (r *PostgresSessionRepo) FindByRefreshToken(ctx context.Context, refreshToken string) (*model.Session, error) {
	return r.findOne(ctx, `s.refresh_token = $1 AND s.refresh_expires_at > now()`, refreshToken)
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// DeleteByUserIDExcept は指定セッション以外のユーザーのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserIDExcept(ctx context.Context, userID, keepSessionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND id <> $2`,
		userID, keepSessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete other sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpired はリフレッシュ期限も切れたセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE refresh_expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)

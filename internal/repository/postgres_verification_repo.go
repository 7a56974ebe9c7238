package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/satez/internal/model"
)

// PostgresVerificationTokenRepo はPostgreSQLを使用したワンタイムトークンリポジトリ。
type PostgresVerificationTokenRepo struct {
	db *sql.DB
}

// NewPostgresVerificationTokenRepo はPostgresVerificationTokenRepoを生成する。
func NewPostgresVerificationTokenRepo(db *sql.DB) *PostgresVerificationTokenRepo {
	return &PostgresVerificationTokenRepo{db: db}
}

// Create はトークンを保存する。
func (r *PostgresVerificationTokenRepo) Create(ctx context.Context, t *model.VerificationToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO verification_tokens (token, user_id, kind, payload, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.Token, t.UserID, string(t.Kind), t.Payload, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verification token: %w", err)
	}
	return nil
}

// Consume は有効なトークンを削除し、削除した行を返す。
// DELETE ... RETURNING で取得と削除を1文で行うため、同じトークンは2回使えない。
func (r *PostgresVerificationTokenRepo) Consume(ctx context.Context, token string, kind model.VerificationKind) (*model.VerificationToken, error) {
	t := &model.VerificationToken{}
	var k string
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM verification_tokens
		 WHERE token = $1 AND kind = $2 AND expires_at > now()
		 RETURNING token, user_id, kind, payload, expires_at, created_at`,
		token, string(kind),
	).Scan(&t.Token, &t.UserID, &k, &t.Payload, &t.ExpiresAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume verification token: %w", err)
	}
	t.Kind = model.VerificationKind(k)
	return t, nil
}

// DeleteExpired は期限切れトークンを削除する。
func (r *PostgresVerificationTokenRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM verification_tokens WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired verification tokens: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ VerificationTokenRepository = (*PostgresVerificationTokenRepo)(nil)

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/satez/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `user_id, display_name, email, avatar_ref, school, grade, target_score, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*model.Profile, error) {
	p := &model.Profile{}
	var avatar, school sql.NullString
	var grade, target sql.NullInt64
	if err := row.Scan(&p.UserID, &p.DisplayName, &p.Email, &avatar, &school, &grade, &target, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AvatarRef = fromNullString(avatar)
	p.School = fromNullString(school)
	p.Grade = fromNullInt(grade)
	p.TargetScore = fromNullInt(target)
	return p, nil
}

// FindByUserID はユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`,
		userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return p, nil
}

// Update はSELECT ... FOR UPDATEで現在の行をロックし、applyの結果をUPSERTする。
// 同一ユーザーへの並行更新はこの行ロックで直列化される。
func (r *PostgresProfileRepo) Update(ctx context.Context, userID string, apply func(current *model.Profile) (*model.Profile, error)) (*model.Profile, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanProfile(tx.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1 FOR UPDATE`,
		userID,
	))
	if err == sql.ErrNoRows {
		current = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to lock profile: %w", err)
	}

	next, err := apply(current)
	if err != nil {
		return nil, err
	}

	saved, err := scanProfile(tx.QueryRowContext(ctx,
		`INSERT INTO profiles (user_id, display_name, email, avatar_ref, school, grade, target_score, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   email = EXCLUDED.email,
		   avatar_ref = EXCLUDED.avatar_ref,
		   school = EXCLUDED.school,
		   grade = EXCLUDED.grade,
		   target_score = EXCLUDED.target_score,
		   updated_at = now()
		 RETURNING `+profileColumns,
		userID, next.DisplayName, next.Email,
		toNullString(next.AvatarRef), toNullString(next.School),
		toNullInt(next.Grade), toNullInt(next.TargetScore),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return saved, nil
}

// CreateIfMissing はプロフィールが未作成の場合のみ作成する。
func (r *PostgresProfileRepo) CreateIfMissing(ctx context.Context, p *model.Profile) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, display_name, email, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, p.DisplayName, p.Email,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create profile: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func toNullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func fromNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)

package model

import (
	"strings"
	"time"
)

// Profile はユーザーIDに1:1で紐づく学習用プロフィールを表す。
// 正はProfile Store側にあり、クライアントはキャッシュを保持するのみ。
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	AvatarRef   *string   `json:"avatar_ref,omitempty"`
	School      *string   `json:"school,omitempty"`
	Grade       *int      `json:"grade,omitempty"`
	TargetScore *int      `json:"target_score,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfileField はパッチでクリア可能なフィールド名。
type ProfileField string

const (
	FieldDisplayName ProfileField = "display_name"
	FieldAvatarRef   ProfileField = "avatar_ref"
	FieldSchool      ProfileField = "school"
	FieldGrade       ProfileField = "grade"
	FieldTargetScore ProfileField = "target_score"
)

// ProfilePatch はプロフィールの部分更新を表す。
// nilのフィールドは変更しない。Clearに列挙したフィールドは削除する。
// 同じフィールドに値とClearの両方が指定された場合はClearを優先する。
type ProfilePatch struct {
	DisplayName *string        `json:"display_name,omitempty" validate:"omitempty,max=100"`
	AvatarRef   *string        `json:"avatar_ref,omitempty" validate:"omitempty,url,max=2048"`
	School      *string        `json:"school,omitempty" validate:"omitempty,max=200"`
	Grade       *int           `json:"grade,omitempty" validate:"omitempty,min=9,max=12"`
	TargetScore *int           `json:"target_score,omitempty" validate:"omitempty,min=400,max=1600"`
	Clear       []ProfileField `json:"clear,omitempty" validate:"dive,oneof=display_name avatar_ref school grade target_score"`
}

// IsEmpty は変更内容を何も含まないパッチかを返す。
func (p ProfilePatch) IsEmpty() bool {
	return p.DisplayName == nil && p.AvatarRef == nil && p.School == nil &&
		p.Grade == nil && p.TargetScore == nil && len(p.Clear) == 0
}

// Apply はパッチをプロフィールへマージした結果を返す。
// 元のプロフィールは変更しない。
func (p ProfilePatch) Apply(base Profile) Profile {
	out := base.Clone()
	if p.DisplayName != nil {
		out.DisplayName = *p.DisplayName
	}
	if p.AvatarRef != nil {
		out.AvatarRef = stringPtr(*p.AvatarRef)
	}
	if p.School != nil {
		out.School = stringPtr(*p.School)
	}
	if p.Grade != nil {
		out.Grade = intPtr(*p.Grade)
	}
	if p.TargetScore != nil {
		out.TargetScore = intPtr(*p.TargetScore)
	}
	for _, f := range p.Clear {
		switch f {
		case FieldDisplayName:
			out.DisplayName = ""
		case FieldAvatarRef:
			out.AvatarRef = nil
		case FieldSchool:
			out.School = nil
		case FieldGrade:
			out.Grade = nil
		case FieldTargetScore:
			out.TargetScore = nil
		}
	}
	return out
}

// Clone はポインタフィールドを含めてプロフィールを複製する。
func (p Profile) Clone() Profile {
	out := p
	if p.AvatarRef != nil {
		out.AvatarRef = stringPtr(*p.AvatarRef)
	}
	if p.School != nil {
		out.School = stringPtr(*p.School)
	}
	if p.Grade != nil {
		out.Grade = intPtr(*p.Grade)
	}
	if p.TargetScore != nil {
		out.TargetScore = intPtr(*p.TargetScore)
	}
	return out
}

// Equal は2つのプロフィールの内容が等しいかを返す。
func (p Profile) Equal(o Profile) bool {
	return p.UserID == o.UserID &&
		p.DisplayName == o.DisplayName &&
		p.Email == o.Email &&
		equalString(p.AvatarRef, o.AvatarRef) &&
		equalString(p.School, o.School) &&
		equalInt(p.Grade, o.Grade) &&
		equalInt(p.TargetScore, o.TargetScore) &&
		p.UpdatedAt.Equal(o.UpdatedAt)
}

// FallbackProfile はプロフィール未作成時にセッションのクレームから最小限のプロフィールを組み立てる。
// 表示名がなければメールアドレスのローカル部を使う。
func FallbackProfile(s Session) Profile {
	name := s.DisplayName
	if name == "" {
		name = s.Email
		if i := strings.Index(name, "@"); i > 0 {
			name = name[:i]
		}
	}
	return Profile{
		UserID:      s.UserID,
		DisplayName: name,
		Email:       s.Email,
	}
}

// CompletionState はプロフィール完成度の導出値。
type CompletionState string

const (
	CompletionIncomplete CompletionState = "incomplete"
	CompletionComplete   CompletionState = "complete"
)

func stringPtr(s string) *string { return &s }
func intPtr(i int) *int          { return &i }

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

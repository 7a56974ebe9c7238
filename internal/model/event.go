package model

import "time"

// AuthEventType は認証イベントの種別。
type AuthEventType string

const (
	EventSignedIn             AuthEventType = "signed_in"
	EventSignedOut            AuthEventType = "signed_out"
	EventSessionRefreshed     AuthEventType = "session_refreshed"
	EventProfileSourceUpdated AuthEventType = "profile_source_updated"
)

// AuthEvent はIdentity Providerが非同期に通知するセッションライフサイクルイベント。
// SessionIDが空の場合はユーザーの全セッションが対象。
// ExceptSessionIDが指定された場合はそのセッションを対象から除く。
// Sessionはクライアント内で発生したsigned_in/session_refreshedでのみ設定される。
type AuthEvent struct {
	ID              string        `json:"id"`
	Type            AuthEventType `json:"type"`
	UserID          string        `json:"user_id"`
	SessionID       string        `json:"session_id,omitempty"`
	ExceptSessionID string        `json:"except_session_id,omitempty"`
	Session         *Session      `json:"-"`
	At              time.Time     `json:"at"`
}

// AppliesTo はイベントが指定セッションに影響するかを返す。
func (e AuthEvent) AppliesTo(s *Session) bool {
	if s == nil {
		return false
	}
	if e.UserID != "" && e.UserID != s.UserID {
		return false
	}
	if e.ExceptSessionID != "" && e.ExceptSessionID == s.ID {
		return false
	}
	return e.SessionID == "" || e.SessionID == s.ID
}

// SignInResult はフォールバックチェーンの1リンクの結果種別。
type SignInResult string

const (
	SignInSuccess       SignInResult = "success"
	SignInUserCancelled SignInResult = "user_cancelled"
	SignInFailed        SignInResult = "failed"
)

// SignInAttempt はフェデレーテッドサインイン1回分の結果。
// Successの場合のみSessionが設定され、Failedの場合のみErrが設定される。
type SignInAttempt struct {
	Result   SignInResult
	Strategy string
	Session  *Session
	Err      error
}

// Succeeded は成功した試行を生成する。
func Succeeded(strategy string, s *Session) SignInAttempt {
	return SignInAttempt{Result: SignInSuccess, Strategy: strategy, Session: s}
}

// Cancelled はユーザーがキャンセルした試行を生成する。
func Cancelled(strategy string) SignInAttempt {
	return SignInAttempt{Result: SignInUserCancelled, Strategy: strategy}
}

// Failed は失敗した試行を生成する。
func Failed(strategy string, err error) SignInAttempt {
	return SignInAttempt{Result: SignInFailed, Strategy: strategy, Err: err}
}

// Package mail は確認メール・パスワード再設定メールの送信を提供する。
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/hitoshi/satez/internal/model"
)

// Message は送信するメール1通を表す。
type Message struct {
	To      string
	Subject string
	Text    string
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer はメールを送信せずログに出力するMailer。
// SENDGRID_API_KEY 未設定時（ローカル開発）に使う。
type LogMailer struct {
	logger *slog.Logger
}

var _ Mailer = (*LogMailer)(nil)

// NewLogMailer は新しいLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send はメール内容をログに出力する。
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("メール送信（ログ出力のみ）",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Text),
	)
	return nil
}

// VerificationMessage はワンタイムトークンの種別に応じたメールを組み立てる。
// リンクは baseURL/verify?type=...&token=... の形式。
func VerificationMessage(baseURL, to string, kind model.VerificationKind, token string) Message {
	q := url.Values{}
	q.Set("type", string(kind))
	q.Set("token", token)
	link := fmt.Sprintf("%s/verify?%s", baseURL, q.Encode())

	switch kind {
	case model.VerificationEmailChange:
		return Message{
			To:      to,
			Subject: "メールアドレス変更の確認",
			Text:    "以下のリンクを開いて新しいメールアドレスを確認してください。\n" + link,
		}
	case model.VerificationRecovery:
		return Message{
			To:      to,
			Subject: "パスワード再設定のご案内",
			Text:    "以下のリンクからパスワードを再設定してください。心当たりがない場合は破棄してください。\n" + link,
		}
	default:
		return Message{
			To:      to,
			Subject: "メールアドレスの確認",
			Text:    "ご登録ありがとうございます。以下のリンクを開いて登録を完了してください。\n" + link,
		}
	}
}

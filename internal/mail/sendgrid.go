package mail

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendGridHost     = "https://api.sendgrid.com"
	sendGridEndpoint = "/v3/mail/send"
)

// SendGridMailer はSendGrid v3 APIでメールを送信するMailer。
type SendGridMailer struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
}

var _ Mailer = (*SendGridMailer)(nil)

// NewSendGridMailer は新しいSendGridMailerを生成する。
func NewSendGridMailer(key, appName, fromEmail string) *SendGridMailer {
	return &SendGridMailer{
		key:        key,
		host:       sendGridHost,
		from:       sgmail.NewEmail(appName, fromEmail),
		subjPrefix: "[" + appName + "] ",
	}
}

// WithHost は送信先ホストを差し替える（テスト用）。
func (m *SendGridMailer) WithHost(host string) *SendGridMailer {
	m.host = host
	return m
}

// Send はメールを1通送信する。4xx/5xxはエラーとして返す。
func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v3 := sgmail.NewSingleEmail(m.from, m.subjPrefix+msg.Subject, sgmail.NewEmail("", msg.To), msg.Text, "")

	req := sendgrid.GetRequest(m.key, sendGridEndpoint, m.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(v3)

	res, err := sendgrid.API(req)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid returned status %d", res.StatusCode)
	}
	return nil
}

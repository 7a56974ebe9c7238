// Package event は認証イベント（セッション失効・プロフィール更新など）の配信を提供する。
// バックエンドの各サービスがPublishし、/auth/events のSSEハンドラーがSubscribeする。
package event

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/satez/internal/model"
)

// Broker はユーザー単位の認証イベント配信を抽象化する。
type Broker interface {
	// Publish はイベントを対象ユーザーの全購読者へ配信する。
	Publish(ctx context.Context, ev model.AuthEvent) error
	// Subscribe はユーザーのイベントを受け取るチャネルを返す。
	// 返されたcancelを呼ぶかctxが終了するとチャネルは閉じられる。
	Subscribe(ctx context.Context, userID string) (<-chan model.AuthEvent, func(), error)
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID はイベントIDとして使うULIDを生成する。
// 単調増加するためSSEのLast-Event-IDとして比較できる。
func NewID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// stamp はIDと発生時刻が未設定なら補う。
func stamp(ev model.AuthEvent) model.AuthEvent {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

// EventRecorder はイベント配信数を記録する。
type EventRecorder interface {
	RecordEventPublished(eventType string)
}

// Instrumented は配信成功をメトリクスへ記録するBrokerを返す。
func Instrumented(b Broker, rec EventRecorder) Broker {
	return &instrumentedBroker{Broker: b, rec: rec}
}

type instrumentedBroker struct {
	Broker
	rec EventRecorder
}

func (b *instrumentedBroker) Publish(ctx context.Context, ev model.AuthEvent) error {
	if err := b.Broker.Publish(ctx, ev); err != nil {
		return err
	}
	b.rec.RecordEventPublished(string(ev.Type))
	return nil
}

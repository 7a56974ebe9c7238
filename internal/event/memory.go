package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/satez/internal/model"
)

// subscriberBuffer は購読者ごとのチャネルバッファ長。
const subscriberBuffer = 16

// MemoryBroker は単一プロセス内で完結するBroker実装。
// 複数レプリカ構成ではRedisBrokerを使う。
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

type memorySub struct {
	ch   chan model.AuthEvent
	once sync.Once
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker は新しいMemoryBrokerを生成する。
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySub]struct{})}
}

// Publish はイベントを購読者へ配信する。
// バッファが埋まっている購読者にはイベントを捨てて警告ログを出す。
func (b *MemoryBroker) Publish(_ context.Context, ev model.AuthEvent) error {
	ev = stamp(ev)

	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[ev.UserID] {
		select {
		case s.ch <- ev:
		default:
			slog.Warn("購読者のバッファが満杯のためイベントを破棄しました",
				slog.String("user_id", ev.UserID),
				slog.String("event_type", string(ev.Type)),
			)
		}
	}
	return nil
}

// Subscribe はユーザーのイベント購読を開始する。
func (b *MemoryBroker) Subscribe(ctx context.Context, userID string) (<-chan model.AuthEvent, func(), error) {
	s := &memorySub{ch: make(chan model.AuthEvent, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[*memorySub]struct{})
	}
	b.subs[userID][s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], s)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(s.ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return s.ch, cancel, nil
}

// SubscriberCount は指定ユーザーの購読者数を返す。
func (b *MemoryBroker) SubscriberCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

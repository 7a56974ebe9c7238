package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/satez/internal/model"
)

// channelPrefix はユーザーごとのPub/Subチャネル名の接頭辞。
const channelPrefix = "satez:auth-events:"

// RedisBroker はRedis Pub/Subを使うBroker実装。
// 複数のバックエンドレプリカ間でイベントを共有する。
type RedisBroker struct {
	client *redis.Client
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker はURLからRedisクライアントを生成し、接続を確認する。
func NewRedisBroker(ctx context.Context, redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

// ChannelName はユーザーのPub/Subチャネル名を返す。
func ChannelName(userID string) string {
	return channelPrefix + userID
}

// Publish はイベントをJSONにしてユーザーのチャネルへ送信する。
func (b *RedisBroker) Publish(ctx context.Context, ev model.AuthEvent) error {
	ev = stamp(ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, ChannelName(ev.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe はユーザーのチャネルを購読する。
// 購読確立を待ってから返すため、戻った後のPublishは取りこぼさない。
func (b *RedisBroker) Subscribe(ctx context.Context, userID string) (<-chan model.AuthEvent, func(), error) {
	ps := b.client.Subscribe(ctx, ChannelName(userID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribe events: %w", err)
	}

	out := make(chan model.AuthEvent, subscriberBuffer)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev model.AuthEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("不正なイベントを受信しました",
						slog.String("user_id", userID),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel, nil
}

// Ping はRedis接続を確認する。
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close はRedis接続を閉じる。
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

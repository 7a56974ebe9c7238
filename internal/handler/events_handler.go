package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/satez/internal/model"
)

// defaultKeepAlive はSSE接続を維持するためのコメント送信間隔。
const defaultKeepAlive = 25 * time.Second

// EventSubscriber はユーザーの認証イベントを購読するインターフェース。
type EventSubscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan model.AuthEvent, func(), error)
}

// EventsHandler は認証イベントをServer-Sent Eventsで配信するハンドラー。
type EventsHandler struct {
	broker    EventSubscriber
	keepAlive time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(broker EventSubscriber) *EventsHandler {
	return &EventsHandler{broker: broker, keepAlive: defaultKeepAlive}
}

// Stream はセッションに影響する認証イベントをSSEで送り続ける。
// GET /auth/events
// このセッション自身のsigned_outを送った後はストリームを閉じる。
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	session := requireSession(w, r)
	if session == nil {
		return
	}

	ctx := r.Context()
	events, cancel, err := h.broker.Subscribe(ctx, session.UserID)
	if err != nil {
		handleServiceError(w, r, fmt.Errorf("failed to subscribe events: %w", err))
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	// 長時間接続のためサーバーの書き込みタイムアウトを解除する
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("streaming is not supported", slog.String("error", err.Error()))
		return
	}

	slog.Debug("event stream opened", slog.String("user_id", session.UserID))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.AppliesTo(session) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Warn("failed to write event",
					slog.String("user_id", session.UserID),
					slog.String("error", err.Error()),
				)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			if ev.Type == model.EventSignedOut {
				return
			}
		}
	}
}

// writeEvent はイベントをSSEのフレーム形式で書き込む。
func writeEvent(w http.ResponseWriter, ev model.AuthEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/satez/internal/model"
)

// errStreamUnauthorized はイベントストリームが401で拒否されたことを表す。
var errStreamUnauthorized = errors.New("イベントストリームがセッションを拒否しました")

// SubscribeToAuthEvents はイベントハンドラを登録し、解除関数を返す。
// 最初の登録でイベントストリームの受信を開始し、全ての登録が解除されると停止する。
// ローカルで発生したサインイン・更新・サインアウトも同じハンドラへ通知する。
func (c *Client) SubscribeToAuthEvents(handler func(model.AuthEvent)) (func(), error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	if c.stopEvents == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopEvents = cancel
		c.eventsDone = make(chan struct{})
		go c.runEvents(ctx, c.eventsDone)
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		var (
			stop context.CancelFunc
			done chan struct{}
		)
		if len(c.handlers) == 0 && c.stopEvents != nil {
			stop, done = c.stopEvents, c.eventsDone
			c.stopEvents, c.eventsDone = nil, nil
		}
		c.mu.Unlock()

		if stop != nil {
			stop()
			<-done
		}
	}, nil
}

// runEvents はセッションがある間イベントストリームへ接続し続ける。
// 切断された場合は指数バックオフで再接続し、セッションが変わった場合は即座に接続し直す。
func (c *Client) runEvents(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		sess := c.currentSession()
		if sess == nil {
			select {
			case <-ctx.Done():
				return
			case <-c.sessionChanged:
				continue
			}
		}

		streamCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		if c.session == nil || c.session.ID != sess.ID {
			c.mu.Unlock()
			cancel()
			continue
		}
		c.streamCancel = cancel
		c.mu.Unlock()

		received, err := c.stream(streamCtx, sess)

		c.mu.Lock()
		c.streamCancel = nil
		c.mu.Unlock()
		sessionSwitched := streamCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if ctx.Err() != nil {
			return
		}
		if sessionSwitched {
			attempt = 0
			continue
		}
		if received {
			attempt = 0
		}

		if errors.Is(err, errStreamUnauthorized) {
			if _, rerr := c.refresh(ctx, sess); rerr == nil {
				continue
			}
		} else if err != nil {
			c.logger.Warn("イベントストリームが切断されました",
				slog.String("user_id", sess.UserID),
				slog.String("error", err.Error()),
			)
		}

		delay := ReconnectDelay(attempt, c.reconnectBase, c.reconnectMax)
		attempt++

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.sessionChanged:
			timer.Stop()
			attempt = 0
		case <-timer.C:
		}
	}
}

// stream はイベントストリームへ1回接続し、切断されるまでイベントを通知する。
// 1件以上のイベントまたはキープアライブを受信した場合はreceivedがtrueになる。
func (c *Client) stream(ctx context.Context, sess *model.Session) (received bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/events", nil)
	if err != nil {
		return false, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+sess.ID)
	c.mu.Lock()
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	c.mu.Unlock()

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, errStreamUnauthorized
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("イベントストリームがステータス %d を返しました", resp.StatusCode)
	}

	c.logger.Debug("イベントストリームに接続しました", slog.String("user_id", sess.UserID))

	var (
		eventType string
		data      strings.Builder
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxResponseBytes)
	for scanner.Scan() {
		line := scanner.Text()
		received = true

		switch {
		case line == "":
			if data.Len() > 0 {
				c.dispatchFrame(sess, eventType, data.String())
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// キープアライブ
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				eventType = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			case "id":
				c.mu.Lock()
				c.lastEventID = value
				c.mu.Unlock()
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return received, err
	}
	return received, nil
}

// dispatchFrame はSSEの1フレームをイベントとして通知する。
// 現在のセッションが失効した場合はローカルのセッションも破棄する。
func (c *Client) dispatchFrame(sess *model.Session, eventType, data string) {
	var ev model.AuthEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		c.logger.Warn("イベントのパースに失敗しました",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	if ev.Type == "" {
		ev.Type = model.AuthEventType(eventType)
	}

	if ev.Type == model.EventSignedOut && ev.AppliesTo(sess) {
		c.logger.Info("セッションが失効しました", slog.String("user_id", sess.UserID))
		c.mu.Lock()
		current := c.session != nil && c.session.ID == sess.ID
		c.mu.Unlock()
		if current {
			c.setSession(nil)
		}
	}

	c.emit(ev)
}

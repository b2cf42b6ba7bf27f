package ws

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	commonerrors "github.com/exchange/custody/pkg/errors"
	"github.com/exchange/custody/pkg/logger"
	"github.com/exchange/custody/pkg/response"
)

var (
	pingInterval    = 30 * time.Second
	activityTimeout = 60 * time.Second
	writeWait       = 10 * time.Second
)

// Relay 把用户余额频道转发到 WebSocket 连接
type Relay struct {
	client        *redis.Client
	channelFormat string
	upgrader      websocket.Upgrader
	log           *logger.Logger
}

// NewRelay 创建转发器；调用方已完成内部鉴权
func NewRelay(client *redis.Client, channel string, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		client:        client,
		channelFormat: channelFormat(channel),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeHTTP GET ?userId=
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "userId is required")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	sub := rl.client.Subscribe(ctx, fmt.Sprintf(rl.channelFormat, userID))
	// 先确认订阅，再升级连接
	if _, err := sub.Receive(r.Context()); err != nil {
		cancel()
		sub.Close()
		response.WriteErrorCode(w, r, commonerrors.CodeUnavailable, "balance events unavailable")
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		sub.Close()
		rl.log.WithError(err).Warn("[BalanceRelay] upgrade failed")
		return
	}

	go rl.readPump(conn, cancel)
	go rl.writePump(ctx, conn, sub)
}

// readPump 只处理 pong 和关闭，断开时取消订阅
func (rl *Relay) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(activityTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(activityTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (rl *Relay) writePump(ctx context.Context, conn *websocket.Conn, sub *redis.PubSub) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

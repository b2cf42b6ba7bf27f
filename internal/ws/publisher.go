// Package ws 余额变更事件：提交后发布到 Redis，并通过 WebSocket 推送给订阅者
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/custody/internal/ledger"
	"github.com/exchange/custody/pkg/logger"
)

// DefaultChannel 用户余额事件频道模板
const DefaultChannel = "custody:user:{userId}:balances"

// Message 推送给订阅者的消息
type Message struct {
	Channel string       `json:"channel"`
	Event   string       `json:"event"`
	Data    ledger.Event `json:"data"`
}

// Publisher 发布余额事件，实现 ledger.Observer
type Publisher struct {
	client        redis.Cmdable
	channelFormat string
	log           *logger.Logger
}

// NewPublisher 创建发布者；channel 支持 {userId} 占位
func NewPublisher(client redis.Cmdable, channel string, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{
		client:        client,
		channelFormat: channelFormat(channel),
		log:           log,
	}
}

// Publish 逐条发布；失败只记录日志，账本已提交不受影响
func (p *Publisher) Publish(ctx context.Context, events []ledger.Event) {
	for _, ev := range events {
		if ev.Entry == nil {
			continue
		}
		raw, err := json.Marshal(Message{Channel: "balance", Event: string(ev.Entry.State), Data: ev})
		if err != nil {
			p.log.WithError(err).Error("[BalanceEvents] marshal failed")
			continue
		}
		channel := fmt.Sprintf(p.channelFormat, ev.Entry.UserID)
		if err := p.client.Publish(ctx, channel, raw).Err(); err != nil {
			p.log.WithContext(ctx).WithError(err).Warn("[BalanceEvents] publish failed", logger.Fields{
				"channel": channel,
				"entryId": ev.Entry.ID,
			})
		}
	}
}

func channelFormat(template string) string {
	if template == "" {
		template = DefaultChannel
	}
	return strings.ReplaceAll(template, "{userId}", "%d")
}

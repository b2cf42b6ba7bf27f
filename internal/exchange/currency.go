package exchange

import (
	"context"
	"strings"
	"sync"

	"github.com/exchange/custody/internal/client"
	commonerrors "github.com/exchange/custody/pkg/errors"
)

// CurrencyLoader 拉取交易所币种列表
type CurrencyLoader interface {
	Currencies(ctx context.Context) (map[string]client.CurrencyInfo, error)
}

// CurrencyCache 懒加载的币种缓存；未知币种触发一次重新加载
type CurrencyCache struct {
	loader CurrencyLoader

	mu       sync.Mutex
	byTicker map[string]client.CurrencyInfo
}

// NewCurrencyCache 创建币种缓存
func NewCurrencyCache(loader CurrencyLoader) *CurrencyCache {
	return &CurrencyCache{loader: loader}
}

// Get 按代码查询币种
func (c *CurrencyCache) Get(ctx context.Context, ticker string) (client.CurrencyInfo, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	c.mu.Lock()
	defer c.mu.Unlock()

	if info, ok := c.byTicker[ticker]; ok {
		return info, nil
	}
	if err := c.reloadLocked(ctx); err != nil {
		return client.CurrencyInfo{}, err
	}
	if info, ok := c.byTicker[ticker]; ok {
		return info, nil
	}
	return client.CurrencyInfo{}, commonerrors.Newf(commonerrors.CodeNotFound, "currency %s not listed on exchange", ticker)
}

// Invalidate 清空缓存
func (c *CurrencyCache) Invalidate() {
	c.mu.Lock()
	c.byTicker = nil
	c.mu.Unlock()
}

func (c *CurrencyCache) reloadLocked(ctx context.Context) error {
	currencies, err := c.loader.Currencies(ctx)
	if err != nil {
		return err
	}
	byTicker := make(map[string]client.CurrencyInfo, len(currencies))
	for ticker, info := range currencies {
		byTicker[strings.ToUpper(ticker)] = info
	}
	c.byTicker = byTicker
	return nil
}

// addressCache 合约地址缓存，加载失败不缓存
type addressCache struct {
	load func(ctx context.Context) (string, error)

	mu    sync.Mutex
	value string
}

func (c *addressCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != "" {
		return c.value, nil
	}
	v, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", commonerrors.New(commonerrors.CodeVenueError, "exchange returned empty contract address")
	}
	c.value = v
	return v, nil
}

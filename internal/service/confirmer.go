package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/account"
	"github.com/exchange/custody/internal/ledger"
	"github.com/exchange/custody/pkg/health"
	"github.com/exchange/custody/pkg/logger"
)

// LeaderLock 多副本部署时保证确认器单实例运行
type LeaderLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// ConfirmerConfig 确认器配置
type ConfirmerConfig struct {
	Interval              time.Duration
	RequiredConfirmations int64
	RebroadcastAfter      time.Duration
	MaxRebroadcasts       int
	BatchSize             int
}

// Confirmer 周期性跟踪未完结的链上转账：确认、失败回滚或提价重广播
type Confirmer struct {
	svc    *CustodyService
	cfg    ConfirmerConfig
	leader LeaderLock
	loop   health.LoopMonitor
	log    *logger.Logger
}

// Outcome 单笔转账的处理结果
type Outcome string

const (
	OutcomeConfirmed   Outcome = "confirmed"
	OutcomeFailed      Outcome = "failed"
	OutcomeRebroadcast Outcome = "rebroadcast"
	OutcomeWaiting     Outcome = "waiting"
	OutcomeError       Outcome = "error"
)

// NewConfirmer 创建确认器
func NewConfirmer(svc *CustodyService, cfg ConfirmerConfig) *Confirmer {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.RequiredConfirmations <= 0 {
		cfg.RequiredConfirmations = 12
	}
	if cfg.RebroadcastAfter <= 0 {
		cfg.RebroadcastAfter = 10 * time.Minute
	}
	if cfg.MaxRebroadcasts < 0 {
		cfg.MaxRebroadcasts = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Confirmer{svc: svc, cfg: cfg, log: svc.log}
}

// SetLeaderLock 设置单实例锁
func (c *Confirmer) SetLeaderLock(l LeaderLock) {
	c.leader = l
}

// Monitor 循环健康状态
func (c *Confirmer) Monitor() *health.LoopMonitor {
	return &c.loop
}

// Interval 扫描间隔
func (c *Confirmer) Interval() time.Duration {
	return c.cfg.Interval
}

// Start 阻塞运行直到 ctx 取消
func (c *Confirmer) Start(ctx context.Context) {
	if c.svc.chain == nil || c.svc.signer == nil {
		c.log.Info("[Confirmer] disabled: chain client not configured")
		return
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.log.Info(fmt.Sprintf("[Confirmer] started (interval=%s confirmations=%d)", c.cfg.Interval, c.cfg.RequiredConfirmations))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("[Confirmer] stopped")
			return
		case <-ticker.C:
			c.loop.Tick()
			c.safeRunOnce(ctx)
		}
	}
}

func (c *Confirmer) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(fmt.Sprintf("[Confirmer] panic recovered: %v", r), logger.Fields{"stack": string(debug.Stack())})
		}
	}()

	if c.leader != nil {
		ok, err := c.leader.Acquire(ctx)
		if err != nil {
			c.loop.SetError(err)
			c.log.WithError(err).Warn("[Confirmer] leader lock failed")
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := c.leader.Release(context.WithoutCancel(ctx)); err != nil {
				c.log.WithError(err).Warn("[Confirmer] leader lock release failed")
			}
		}()
	}

	_, err := c.RunOnce(ctx)
	c.loop.SetError(err)
}

// RunOnce 处理一批未完结转账，返回各结果计数
func (c *Confirmer) RunOnce(ctx context.Context) (map[Outcome]int, error) {
	transfers, err := c.svc.store.ListOpenTransfers(ctx, c.cfg.BatchSize)
	if err != nil {
		c.log.WithError(err).Error("[Confirmer] list open transfers failed")
		return nil, err
	}

	counts := make(map[Outcome]int)
	for _, t := range transfers {
		outcome := c.process(ctx, t)
		counts[outcome]++
		if c.svc.metrics != nil {
			if err := c.svc.metrics.IncConfirmerOutcome(string(outcome)); err != nil {
				c.log.WithError(err).Warn("[Confirmer] record outcome failed")
			}
		}
	}
	return counts, nil
}

func (c *Confirmer) process(ctx context.Context, t *ledger.Transfer) Outcome {
	log := c.log.With(logger.Fields{"transferId": t.ID, "entryId": t.EntryID, "nonce": t.Nonce})
	nowMs := c.svc.now().UnixMilli()

	// 同 nonce 的任一次广播都可能上链，逐个查询
	for _, hash := range t.TxHashes() {
		st, err := c.svc.chain.TransactionStatus(ctx, hash)
		if err != nil {
			log.WithError(err).Warn("[Confirmer] query transaction status failed", logger.Fields{"txHash": hash})
			return OutcomeError
		}
		if !st.Found {
			continue
		}
		if st.Success && st.Confirmations < c.cfg.RequiredConfirmations {
			return OutcomeWaiting
		}
		state := ledger.TransferConfirmed
		if !st.Success {
			state = ledger.TransferFailed
		}
		if err := c.finish(ctx, t, hash, state, st.BlockNumber); err != nil {
			if waiting(err) {
				log.Debug("[Confirmer] transfer busy, retry next round", logger.Fields{"reason": err.Error()})
				return OutcomeWaiting
			}
			log.WithError(err).Error("[Confirmer] finish transfer failed", logger.Fields{"txHash": hash})
			return OutcomeError
		}
		if state == ledger.TransferFailed {
			log.Warn("[Confirmer] transaction reverted, withdrawal cancelled", logger.Fields{"txHash": hash})
			return OutcomeFailed
		}
		log.Info("[Confirmer] transfer confirmed", logger.Fields{"txHash": hash, "block": st.BlockNumber})
		return OutcomeConfirmed
	}

	since := t.BroadcastAtMs
	if since == 0 {
		since = t.CreatedAtMs
	}
	if nowMs-since < c.cfg.RebroadcastAfter.Milliseconds() {
		return OutcomeWaiting
	}
	if t.NumRetries >= c.cfg.MaxRebroadcasts {
		log.Error("[CRITICAL] transaction not mined after max rebroadcasts", logger.Fields{"txHashes": t.TxHashes(), "retries": t.NumRetries})
		return OutcomeWaiting
	}
	if err := c.rebroadcast(ctx, t); err != nil {
		if waiting(err) {
			log.Debug("[Confirmer] transfer busy, retry next round", logger.Fields{"reason": err.Error()})
			return OutcomeWaiting
		}
		log.WithError(err).Warn("[Confirmer] rebroadcast failed")
		return OutcomeError
	}
	return OutcomeRebroadcast
}

// errStaleTransfer 加锁后发现转账已被其他流程推进
var errStaleTransfer = errors.New("transfer changed since scan")

func waiting(err error) bool {
	var lockErr *account.LockAcquisitionError
	return errors.As(err, &lockErr) || errors.Is(err, errStaleTransfer)
}

// withTransfer 持有账户锁并重新读取转账，扫描后状态有变化则放弃本轮
func (c *Confirmer) withTransfer(ctx context.Context, t *ledger.Transfer, fn func(ctx context.Context, cur *ledger.Transfer) error) error {
	return c.svc.locker.WithLock(ctx, t.AccountID, func(ctx context.Context, _ *account.Lease) error {
		cur, err := c.svc.store.GetTransfer(ctx, t.ID)
		if err != nil {
			return err
		}
		if !cur.Open() || cur.TxHash != t.TxHash || cur.NumRetries != t.NumRetries {
			return errStaleTransfer
		}
		return fn(ctx, cur)
	})
}

// finish 在一个事务内完结流水与转账，hash 为实际上链的那次广播
func (c *Confirmer) finish(ctx context.Context, t *ledger.Transfer, hash string, state ledger.TransferState, block int64) error {
	err := c.withTransfer(ctx, t, func(ctx context.Context, cur *ledger.Transfer) error {
		return c.svc.book.Do(ctx, func(ctx context.Context, w *ledger.Writer) error {
			var err error
			if state == ledger.TransferConfirmed {
				_, err = w.Confirm(ctx, cur.EntryID)
			} else {
				_, err = w.Cancel(ctx, cur.EntryID)
			}
			if err != nil {
				return err
			}
			done := cur.Mined(hash)
			done.State = state
			done.BlockNumber = block
			done.UpdatedAtMs = w.NowMs()
			ok, err := w.Tx().UpdateTransfer(ctx, &done, ledger.TransferPending, ledger.TransferBroadcast)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("transfer %d already finished", cur.ID)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if state == ledger.TransferConfirmed {
		c.svc.countOp("confirm")
	} else {
		c.svc.countOp("cancel")
	}
	return nil
}

// rebroadcast 同 nonce 提高 gas price 后重新广播，旧哈希保留以便继续跟踪
func (c *Confirmer) rebroadcast(ctx context.Context, t *ledger.Transfer) error {
	asset, err := c.svc.store.GetAsset(ctx, t.AssetID)
	if err != nil {
		return err
	}
	var bumped ledger.Transfer
	err = c.withTransfer(ctx, t, func(ctx context.Context, cur *ledger.Transfer) error {
		bumped = *cur
		bumped.GasPriceWei = cur.GasPriceWei.Add(c.svc.cfg.GasPriceBump)
		if bumped.GasPriceWei.LessThanOrEqual(decimal.Zero) {
			bumped.GasPriceWei = c.svc.cfg.GasPriceBump
		}
		params, err := c.svc.txParams(&bumped, asset)
		if err != nil {
			return err
		}
		txHash, err := c.svc.signer.SignAndBroadcast(ctx, params)
		if err != nil {
			return err
		}

		bumped = bumped.Replace(txHash)
		bumped.NumRetries = cur.NumRetries + 1
		bumped.State = ledger.TransferBroadcast
		bumped.BroadcastAtMs = c.svc.now().UnixMilli()
		bumped.UpdatedAtMs = bumped.BroadcastAtMs
		return c.svc.updateTransfer(ctx, &bumped, ledger.TransferPending, ledger.TransferBroadcast)
	})
	if err != nil {
		return err
	}
	c.log.Info("[Confirmer] transaction rebroadcast", logger.Fields{
		"transferId":   t.ID,
		"txHash":       bumped.TxHash,
		"prevTxHashes": bumped.PrevTxHashes,
		"gasPriceWei":  bumped.GasPriceWei.String(),
		"retries":      bumped.NumRetries,
	})
	return nil
}

package account

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultLockTTL 默认租约时长
const DefaultLockTTL = 30 * time.Second

// ContentionRecorder 锁竞争计数
type ContentionRecorder interface {
	IncLockContention()
}

// Lease 持有中的锁租约
type Lease struct {
	AccountID int64
	ExpireMs  int64
}

// Locker 基于条件更新的账户租约锁
type Locker struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	metrics ContentionRecorder
}

// NewLocker 创建锁
func NewLocker(store Store, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{store: store, ttl: ttl, now: time.Now}
}

// SetMetrics 设置竞争计数
func (l *Locker) SetMetrics(m ContentionRecorder) {
	l.metrics = m
}

// TTL 租约时长
func (l *Locker) TTL() time.Duration {
	return l.ttl
}

// Lock 获取账户锁，失败时返回带观测到的过期时间的 LockAcquisitionError
func (l *Locker) Lock(ctx context.Context, accountID int64) (*Lease, error) {
	nowMs := l.now().UnixMilli()
	expireMs := nowMs + l.ttl.Milliseconds()

	ok, err := l.store.TryLock(ctx, accountID, nowMs, expireMs)
	if err != nil {
		return nil, fmt.Errorf("lock account %d: %w", accountID, err)
	}
	if ok {
		return &Lease{AccountID: accountID, ExpireMs: expireMs}, nil
	}

	observed, found, err := l.store.LockExpiry(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("read lock of account %d: %w", accountID, err)
	}
	if !found {
		return nil, &UnknownAccountError{AccountID: accountID}
	}
	if l.metrics != nil {
		l.metrics.IncLockContention()
	}
	return nil, &LockAcquisitionError{AccountID: accountID, ExpireMs: observed, AttemptedAtMs: nowMs}
}

// Release 释放本租约设置的锁
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	ok, err := l.store.Unlock(ctx, lease.AccountID, lease.ExpireMs)
	if err != nil {
		return fmt.Errorf("unlock account %d: %w", lease.AccountID, err)
	}
	if !ok {
		return &LockReleaseError{AccountID: lease.AccountID, ExpireMs: lease.ExpireMs}
	}
	return nil
}

// WithLock lock -> fn -> release，释放失败会与 fn 的错误合并返回
func (l *Locker) WithLock(ctx context.Context, accountID int64, fn func(ctx context.Context, lease *Lease) error) error {
	lease, err := l.Lock(ctx, accountID)
	if err != nil {
		return err
	}
	fnErr := fn(ctx, lease)
	if relErr := l.Release(context.WithoutCancel(ctx), lease); relErr != nil {
		return errors.Join(fnErr, relErr)
	}
	return fnErr
}

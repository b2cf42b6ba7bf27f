package ledger

import (
	"context"
	"fmt"
	"time"

	commonerrors "github.com/exchange/custody/pkg/errors"
)

// IDGenerator 流水 ID 生成器
type IDGenerator interface {
	NextID() int64
}

// Event 提交后的余额变更
type Event struct {
	Entry   *Entry          `json:"entry"`
	Account *AccountBalance `json:"account"`
	User    *UserBalance    `json:"user"`
}

// Observer 在事务提交后接收余额变更
type Observer interface {
	Publish(ctx context.Context, events []Event)
}

// Book 流水账本：写流水并在同一事务内重算余额
type Book struct {
	store    Store
	ids      IDGenerator
	observer Observer
	now      func() time.Time
}

// NewBook 创建账本
func NewBook(store Store, ids IDGenerator) *Book {
	return &Book{store: store, ids: ids, now: time.Now}
}

// SetObserver 设置提交后回调
func (b *Book) SetObserver(o Observer) {
	b.observer = o
}

// Store 底层存储
func (b *Book) Store() Store {
	return b.store
}

// Insert 写入 pending 或 confirmed 流水
func (b *Book) Insert(ctx context.Context, e *Entry) (*Entry, error) {
	var out *Entry
	err := b.Do(ctx, func(ctx context.Context, w *Writer) error {
		var err error
		out, err = w.Insert(ctx, e)
		return err
	})
	return out, err
}

// Confirm pending -> confirmed
func (b *Book) Confirm(ctx context.Context, id int64) (*Entry, error) {
	var out *Entry
	err := b.Do(ctx, func(ctx context.Context, w *Writer) error {
		var err error
		out, err = w.Confirm(ctx, id)
		return err
	})
	return out, err
}

// Cancel pending -> cancelled
func (b *Book) Cancel(ctx context.Context, id int64) (*Entry, error) {
	var out *Entry
	err := b.Do(ctx, func(ctx context.Context, w *Writer) error {
		var err error
		out, err = w.Cancel(ctx, id)
		return err
	})
	return out, err
}

// Do 在一个事务内执行多次流水变更，任一失败整体回滚
func (b *Book) Do(ctx context.Context, fn func(ctx context.Context, w *Writer) error) error {
	var events []Event
	err := b.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		w := &Writer{book: b, tx: tx, nowMs: b.now().UnixMilli()}
		if err := fn(ctx, w); err != nil {
			return err
		}
		events = w.events
		return nil
	})
	if err != nil {
		return err
	}
	if b.observer != nil && len(events) > 0 {
		b.observer.Publish(ctx, events)
	}
	return nil
}

// Writer 事务内的流水写入器
type Writer struct {
	book   *Book
	tx     Tx
	nowMs  int64
	events []Event
}

// Tx 当前事务，供同事务内的 nonce 与转账记录写入
func (w *Writer) Tx() Tx {
	return w.tx
}

// NowMs 事务时间戳
func (w *Writer) NowMs() int64 {
	return w.nowMs
}

// Insert 写入流水并重算余额
func (w *Writer) Insert(ctx context.Context, e *Entry) (*Entry, error) {
	if e == nil {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "entry is required")
	}
	if !e.Action.Valid() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "unknown action %q", e.Action)
	}
	if e.Amount.IsZero() {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "amount must be non-zero")
	}
	if e.UserID <= 0 || e.AccountID <= 0 || e.AssetID <= 0 {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "userId, accountId and assetId are required")
	}
	if e.State == "" {
		e.State = StatePending
	}
	if e.State != StatePending && e.State != StateConfirmed {
		return nil, &InvalidStateError{EntryID: e.ID, State: e.State, Target: e.State}
	}

	entry := *e
	if entry.ID == 0 {
		entry.ID = w.book.ids.NextID()
	}
	entry.CreatedAtMs = w.nowMs
	entry.UpdatedAtMs = w.nowMs

	if err := w.tx.InsertEntry(ctx, &entry); err != nil {
		return nil, err
	}
	if err := w.recompute(ctx, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Confirm pending -> confirmed
func (w *Writer) Confirm(ctx context.Context, id int64) (*Entry, error) {
	return w.transition(ctx, id, StateConfirmed)
}

// Cancel pending -> cancelled
func (w *Writer) Cancel(ctx context.Context, id int64) (*Entry, error) {
	return w.transition(ctx, id, StateCancelled)
}

func (w *Writer) transition(ctx context.Context, id int64, target State) (*Entry, error) {
	entry, err := w.tx.GetEntryForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.State != StatePending {
		return nil, &InvalidStateError{EntryID: id, State: entry.State, Target: target}
	}

	ok, err := w.tx.UpdateEntryState(ctx, id, StatePending, target, w.nowMs)
	if err != nil {
		return nil, fmt.Errorf("update entry %d state: %w", id, err)
	}
	if !ok {
		return nil, &InvalidStateError{EntryID: id, State: entry.State, Target: target}
	}
	entry.State = target
	entry.UpdatedAtMs = w.nowMs

	if err := w.recompute(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// recompute 从完整流水集合重算账户余额与用户余额并校验不变量
func (w *Writer) recompute(ctx context.Context, e *Entry) error {
	key := e.Key()
	totals, err := w.tx.SumEntries(ctx, key)
	if err != nil {
		return fmt.Errorf("sum entries: %w", err)
	}
	if err := totals.Check(key); err != nil {
		return err
	}

	ab := totals.AccountBalance(key, w.nowMs)
	if err := w.tx.UpsertAccountBalance(ctx, ab); err != nil {
		return fmt.Errorf("upsert account balance: %w", err)
	}
	ub, err := w.tx.RecomputeUserBalance(ctx, key.UserID, key.AssetID, w.nowMs)
	if err != nil {
		return fmt.Errorf("recompute user balance: %w", err)
	}

	snapshot := *e
	w.events = append(w.events, Event{Entry: &snapshot, Account: ab, User: ub})
	return nil
}

package moderation

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// Tx is an open moderation transaction. Event inserts and status upserts only
// accept a *Tx, so they cannot be split across transactions.
type Tx struct {
	db *gorm.DB

	lk          sync.Mutex
	afterCommit []func(ctx context.Context)
}

// DB exposes the underlying transaction for queries that join the same
// unit of work.
func (tx *Tx) DB() *gorm.DB {
	return tx.db
}

// AfterCommit registers fn to run once the transaction has committed. Hooks
// do not run if it rolls back.
func (tx *Tx) AfterCommit(fn func(ctx context.Context)) {
	tx.lk.Lock()
	defer tx.lk.Unlock()
	tx.afterCommit = append(tx.afterCommit, fn)
}

// Transact runs fn in a database transaction and then runs any commit hooks
// fn registered.
func (p *Projector) Transact(ctx context.Context, fn func(tx *Tx) error) error {
	mtx := &Tx{}
	err := p.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		mtx.db = gtx
		return fn(mtx)
	})
	if err != nil {
		return err
	}

	mtx.lk.Lock()
	hooks := mtx.afterCommit
	mtx.afterCommit = nil
	mtx.lk.Unlock()
	for _, hook := range hooks {
		hook(ctx)
	}
	return nil
}

// Nested runs fn in a savepoint of tx. If fn fails only its own writes are
// rolled back and the hooks it registered are dropped.
func (tx *Tx) Nested(fn func(sub *Tx) error) error {
	sub := &Tx{}
	err := tx.db.Transaction(func(gtx *gorm.DB) error {
		sub.db = gtx
		return fn(sub)
	})
	if err != nil {
		return err
	}
	sub.lk.Lock()
	hooks := sub.afterCommit
	sub.lk.Unlock()
	for _, hook := range hooks {
		tx.AfterCommit(hook)
	}
	return nil
}

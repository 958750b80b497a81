package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is the body of a transaction. Firestore replays it when a commit loses to a
// concurrent writer, so it may only read and write through tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

type TxOption func(*txSettings)

type txSettings struct {
	attempts int
	budget   time.Duration
}

var defaultTxSettings = txSettings{attempts: 5, budget: 15 * time.Second}

// WithTxAttempts sets how many commits Firestore tries before giving up with Aborted.
func WithTxAttempts(n int) TxOption {
	return func(s *txSettings) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithTxTimeout bounds all attempts together. It only ever shortens the caller's deadline.
func WithTxTimeout(d time.Duration) TxOption {
	return func(s *txSettings) {
		if d > 0 {
			s.budget = d
		}
	}
}

// RunTransaction runs fn in a read-write transaction on the shared client. Errors come back
// through WrapError, so a transaction that exhausts its attempts reads as a conflict.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return WrapError("transaction", errors.New("transaction function is nil"))
	}
	settings := defaultTxSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > settings.budget {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.budget)
		defer cancel()
	}
	return WrapError("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(settings.attempts)))
}

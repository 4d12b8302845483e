package client

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transaction is an explicit transaction started with Begin. It can be
// committed or rolled back once.
type Transaction struct {
	id         string
	client     *Client
	committed  bool
	rolledBack bool
	startedAt  time.Time
	mu         sync.Mutex
}

// Begin starts a transaction. Only one transaction can be open per client.
func (c *Client) Begin(ctx context.Context) (*Transaction, error) {
	c.mu.Lock()
	if c.tx != nil {
		id := c.tx.id
		c.mu.Unlock()
		return nil, ErrTransactionAlreadyActive(id)
	}
	c.mu.Unlock()

	if _, err := c.command(ctx, "Begin", "START TRANSACTION"); err != nil {
		return nil, &TransactionError{
			Code:       "E_BEGIN_FAILED",
			Type:       "TRANSACTION_ERROR",
			Message:    "failed to begin transaction",
			Cause:      err,
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		}
	}

	tx := &Transaction{
		id:        uuid.NewString(),
		client:    c,
		startedAt: time.Now(),
	}
	c.mu.Lock()
	c.tx = tx
	c.mu.Unlock()

	c.logger.Info("transaction started", String("tx_id", tx.id))
	return tx, nil
}

// Commit commits the transaction.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return ErrTransactionAlreadyCommitted(tx.id)
	}
	if tx.rolledBack {
		return ErrTransactionAlreadyRolledBack(tx.id)
	}

	if err := tx.client.Commit(ctx); err != nil {
		return &TransactionError{
			Code:          "E_COMMIT_FAILED",
			Type:          "TRANSACTION_ERROR",
			Message:       "failed to commit transaction",
			TransactionID: tx.id,
			State:         "active",
			Cause:         err,
			StackTrace:    captureStackTrace(),
			Timestamp:     time.Now(),
		}
	}

	tx.committed = true
	tx.client.endTransaction(tx)
	return nil
}

// Rollback rolls back the transaction. Rolling back twice is a no-op.
func (tx *Transaction) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return ErrTransactionAlreadyCommitted(tx.id)
	}
	if tx.rolledBack {
		return nil
	}

	err := tx.client.Rollback(ctx)
	// a failed ROLLBACK drops the connection, which ends the transaction too
	tx.rolledBack = true
	tx.client.endTransaction(tx)
	if err != nil {
		return &TransactionError{
			Code:          "E_ROLLBACK_FAILED",
			Type:          "TRANSACTION_ERROR",
			Message:       "failed to rollback transaction",
			TransactionID: tx.id,
			State:         "rolledback",
			Cause:         err,
			StackTrace:    captureStackTrace(),
			Timestamp:     time.Now(),
		}
	}
	return nil
}

// ID returns the transaction ID.
func (tx *Transaction) ID() string {
	return tx.id
}

func (tx *Transaction) state() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return "committed"
	}
	if tx.rolledBack {
		return "rolledback"
	}
	return "active"
}

func (c *Client) endTransaction(tx *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == tx {
		c.tx = nil
	}
}

// InTransaction runs fn within a transaction. It commits when fn returns
// nil and rolls back on error or panic.
func (c *Client) InTransaction(ctx context.Context, fn func(*Transaction) error) error {
	tx, err := c.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			rollbackErr := tx.Rollback(ctx)

			c.logger.Warn("transaction rolled back due to panic",
				String("tx_id", tx.id),
				String("state", tx.state()),
				Duration("duration", time.Since(tx.startedAt)),
				Error("panic", fmt.Errorf("%v", r)),
				Error("rollback_error", rollbackErr),
				String("stack", string(debug.Stack())))

			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			c.logger.Error("failed to rollback transaction after error",
				String("tx_id", tx.id),
				Error("original_error", err),
				Error("rollback_error", rollbackErr))
		}
		return err
	}

	return tx.Commit(ctx)
}

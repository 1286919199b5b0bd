package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tildaslashalef/cardvault/internal/remote"
	"github.com/tildaslashalef/cardvault/internal/retry"
)

// TxOptions controls remote transaction execution
type TxOptions struct {
	IsolationLevel string
	Timeout        time.Duration
	Priority       Priority
	Retry          retry.Policy
}

// Tx is an open remote transaction bound to one pooled connection
type Tx struct {
	conn *Conn
	id   string
}

// txEnvelope wraps procedure params with the transaction they belong to
type txEnvelope struct {
	TxID   string `json:"tx_id"`
	Params any    `json:"params,omitempty"`
}

// Call invokes a procedure inside the transaction
func (t *Tx) Call(ctx context.Context, procedure string, params any) (json.RawMessage, error) {
	return t.conn.Call(ctx, procedure, txEnvelope{TxID: t.id, Params: params})
}

// ExecuteTransaction acquires a connection, opens a remote transaction, runs
// fn inside it and commits. Any error from fn or commit rolls the transaction
// back. The whole unit is retried per the options' retry policy; version
// conflicts are never retried, they surface to the caller.
func (m *Manager) ExecuteTransaction(ctx context.Context, opts TxOptions, fn func(tx *Tx) error) error {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}

	return opts.Retry.Do(ctx, func() error {
		err := m.runTransaction(ctx, opts, fn)
		if err != nil && !remote.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (m *Manager) runTransaction(ctx context.Context, opts TxOptions, fn func(tx *Tx) error) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := m.Acquire(ctx, opts.Priority)
	if err != nil {
		return fmt.Errorf("acquiring connection for transaction: %w", err)
	}
	defer m.Release(conn)

	result, err := conn.Call(ctx, remote.ProcBeginTx, map[string]string{
		"isolation_level": opts.IsolationLevel,
	})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var begin struct {
		TxID string `json:"tx_id"`
	}
	if err := json.Unmarshal(result, &begin); err != nil {
		return fmt.Errorf("decoding transaction id: %w", err)
	}

	tx := &Tx{conn: conn, id: begin.TxID}

	if err := fn(tx); err != nil {
		if _, rbErr := conn.Call(ctx, remote.ProcRollbackTx, txEnvelope{TxID: tx.id}); rbErr != nil {
			m.logger.Warn("transaction rollback failed", "tx_id", tx.id, "error", rbErr)
		}
		return err
	}

	if _, err := conn.Call(ctx, remote.ProcCommitTx, txEnvelope{TxID: tx.id}); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// BatchOperation is one procedure call inside a batch
type BatchOperation struct {
	Procedure string
	Params    any
}

// BatchOptions controls batch execution semantics
type BatchOptions struct {
	// Atomic runs the whole batch inside a single remote transaction;
	// any failure rolls everything back
	Atomic bool

	// ContinueOnError keeps executing after a per-operation failure in
	// non-atomic mode. When false, the first failure aborts the batch.
	ContinueOnError bool

	Priority Priority
	Retry    retry.Policy
}

// BatchResult is the outcome of one operation in a batch
type BatchResult struct {
	Value json.RawMessage
	Err   error
}

// ExecuteBatchOperations runs a slice of operations over one connection.
// In atomic mode the batch succeeds or fails as a unit. In non-atomic mode
// each operation's outcome is recorded individually; the call itself only
// fails when ContinueOnError is false and an operation errors.
func (m *Manager) ExecuteBatchOperations(ctx context.Context, ops []BatchOperation, opts BatchOptions) ([]BatchResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	results := make([]BatchResult, len(ops))

	if opts.Atomic {
		err := m.ExecuteTransaction(ctx, TxOptions{Priority: opts.Priority, Retry: opts.Retry}, func(tx *Tx) error {
			for i, op := range ops {
				value, err := tx.Call(ctx, op.Procedure, op.Params)
				if err != nil {
					return fmt.Errorf("batch operation %d (%s): %w", i, op.Procedure, err)
				}
				results[i] = BatchResult{Value: value}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return results, nil
	}

	conn, err := m.Acquire(ctx, opts.Priority)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for batch: %w", err)
	}
	defer m.Release(conn)

	for i, op := range ops {
		value, err := conn.Call(ctx, op.Procedure, op.Params)
		results[i] = BatchResult{Value: value, Err: err}
		if err != nil && !opts.ContinueOnError {
			return results[:i+1], fmt.Errorf("batch operation %d (%s): %w", i, op.Procedure, err)
		}
	}

	return results, nil
}

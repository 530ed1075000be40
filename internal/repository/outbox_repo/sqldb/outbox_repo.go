package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ordering/internal/infrastructure/database"
	"ordering/internal/repository/outbox_repo"
)

type outboxRepository struct {
	db      *sql.DB
	dialect database.Dialect
	logger  *zap.Logger
}

func NewOutboxRepository(db *sql.DB, dialect database.Dialect, l *zap.Logger) outbox_repo.OutboxRepository {
	return &outboxRepository{db: db, dialect: dialect, logger: l}
}

const messageColumns = `seq, id, order_id, event_type, payload, status, attempts, next_attempt_at,
	lease_owner, lease_until, last_error, created_at, published_at`

// claimQuery selects due messages whose earlier siblings (same order, lower
// seq) are all either published or claimable in the same pass. A FAILED,
// backing-off or foreign-leased predecessor holds the rest of its order back.
const claimQuery = `SELECT ` + messageColumns + ` FROM outbox_messages m
	WHERE m.status = 'PENDING'
	AND m.next_attempt_at <= ?
	AND m.lease_until <= ?
	AND NOT EXISTS (
		SELECT 1 FROM outbox_messages p
		WHERE p.order_id = m.order_id
		AND p.seq < m.seq
		AND (p.status = 'FAILED'
			OR (p.status = 'PENDING' AND (p.next_attempt_at > ? OR p.lease_until > ?)))
	)
	ORDER BY m.seq
	LIMIT ?`

func (r *outboxRepository) Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) (msgs []outbox_repo.OutboxMessage, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			msgs = nil
			err = fmt.Errorf("failed to commit claim: %w", err)
		}
	}()

	nowMs := database.Millis(now)
	rows, err := tx.QueryContext(ctx, r.dialect.Rebind(claimQuery)+r.dialect.LockClause(), nowMs, nowMs, nowMs, nowMs, limit)
	if err != nil {
		r.logger.Error("Failed to get pending outbox messages", zap.Error(err))
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	msgs, err = scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	until := now.Add(lease)
	update := r.dialect.Rebind(`UPDATE outbox_messages SET lease_owner = ?, lease_until = ? WHERE id = ?`)
	for i := range msgs {
		if _, err = tx.ExecContext(ctx, update, owner, database.Millis(until), msgs[i].ID); err != nil {
			return nil, fmt.Errorf("failed to lease outbox message %s: %w", msgs[i].ID, err)
		}
		msgs[i].LeaseOwner = owner
		msgs[i].LeaseUntil = database.FromMillis(database.Millis(until))
	}
	return msgs, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id, owner string, at time.Time) error {
	query := `UPDATE outbox_messages SET status = ?, published_at = ?, lease_owner = '', lease_until = 0, last_error = ''
		WHERE id = ? AND lease_owner = ? AND status = ?`
	return r.leasedUpdate(ctx, id, query,
		string(outbox_repo.StatusPublished), database.Millis(at), id, owner, string(outbox_repo.StatusPending))
}

func (r *outboxRepository) MarkRetry(ctx context.Context, id, owner string, attempts int, next time.Time, lastErr string) error {
	query := `UPDATE outbox_messages SET attempts = ?, next_attempt_at = ?, last_error = ?, lease_owner = '', lease_until = 0
		WHERE id = ? AND lease_owner = ? AND status = ?`
	return r.leasedUpdate(ctx, id, query,
		attempts, database.Millis(next), lastErr, id, owner, string(outbox_repo.StatusPending))
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id, owner string, attempts int, lastErr string) error {
	query := `UPDATE outbox_messages SET status = ?, attempts = ?, last_error = ?, lease_owner = '', lease_until = 0
		WHERE id = ? AND lease_owner = ? AND status = ?`
	return r.leasedUpdate(ctx, id, query,
		string(outbox_repo.StatusFailed), attempts, lastErr, id, owner, string(outbox_repo.StatusPending))
}

func (r *outboxRepository) leasedUpdate(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		r.logger.Error("Failed to update outbox message", zap.String("message_id", id), zap.Error(err))
		return fmt.Errorf("failed to update outbox message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		r.logger.Warn("No rows affected when updating outbox message, lease expired or taken over", zap.String("message_id", id))
		return outbox_repo.ErrLeaseLost
	}
	return nil
}

func (r *outboxRepository) Release(ctx context.Context, owner string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, owner)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE outbox_messages SET lease_owner = '', lease_until = 0
		WHERE lease_owner = ? AND id IN (` + database.Placeholders(len(ids)) + `)`
	if _, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to release outbox leases: %w", err)
	}
	return nil
}

func (r *outboxRepository) ListFailed(ctx context.Context, limit int) ([]outbox_repo.OutboxMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM outbox_messages WHERE status = ? ORDER BY seq LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), string(outbox_repo.StatusFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed outbox messages: %w", err)
	}
	return scanMessages(rows)
}

func (r *outboxRepository) ListByOrder(ctx context.Context, orderID string) ([]outbox_repo.OutboxMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM outbox_messages WHERE order_id = ? ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox messages of order %s: %w", orderID, err)
	}
	return scanMessages(rows)
}

func (r *outboxRepository) Requeue(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE outbox_messages SET status = ?, attempts = 0, next_attempt_at = ?, lease_owner = '', lease_until = 0
		WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(query),
		string(outbox_repo.StatusPending), database.Millis(at), id, string(outbox_repo.StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to requeue outbox message %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check requeue result: %w", err)
	} else if n == 0 {
		return outbox_repo.ErrNotFound
	}
	r.logger.Info("Outbox message requeued by operator", zap.String("message_id", id))
	return nil
}

func scanMessages(rows *sql.Rows) ([]outbox_repo.OutboxMessage, error) {
	defer rows.Close()

	var msgs []outbox_repo.OutboxMessage
	for rows.Next() {
		var (
			m                                  outbox_repo.OutboxMessage
			status                             string
			next, leaseUntil, created, publish int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.OrderID, &m.EventType, &m.Payload, &status, &m.Attempts, &next,
			&m.LeaseOwner, &leaseUntil, &m.LastError, &created, &publish); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message row: %w", err)
		}
		m.Status = outbox_repo.OutboxStatus(status)
		m.NextAttemptAt = database.FromMillis(next)
		m.LeaseUntil = database.FromMillis(leaseUntil)
		m.CreatedAt = database.FromMillis(created)
		m.PublishedAt = database.FromMillis(publish)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return msgs, nil
}

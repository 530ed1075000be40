package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ordering/internal/domain"
	"ordering/internal/infrastructure/database"
	"ordering/internal/integration"
	"ordering/internal/repository/order_repo"
	"ordering/internal/repository/outbox_repo"
)

type orderRepository struct {
	db      *sql.DB
	dialect database.Dialect
	logger  *zap.Logger
}

func NewOrderRepository(db *sql.DB, dialect database.Dialect, l *zap.Logger) order_repo.OrderRepository {
	return &orderRepository{db: db, dialect: dialect, logger: l}
}

const orderColumns = `id, buyer_id, status, cancel_cause, street, city, state, country, zip_code,
	card_type, card_masked_number, card_holder_name, card_expiration, version, created_at, updated_at`

func (r *orderRepository) Commit(ctx context.Context, change order_repo.Change) (version int64, err error) {
	snap := change.Order
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			r.logger.Error("Failed to commit order transaction", zap.String("order_id", snap.ID), zap.Error(err))
			err = fmt.Errorf("failed to commit order %s: %w", snap.ID, err)
		}
	}()

	if change.Inbox != nil {
		if err = r.recordInbound(ctx, tx, *change.Inbox, change.At); err != nil {
			return 0, err
		}
	}

	if change.IsNew() {
		version = 1
		err = r.insertOrder(ctx, tx, snap, version)
	} else {
		version = snap.Version + 1
		err = r.updateOrder(ctx, tx, snap, version)
	}
	if err != nil {
		return 0, err
	}

	if err = r.appendHistory(ctx, tx, snap.ID, snap.History, change.PersistedHistory); err != nil {
		return 0, err
	}
	if err = r.stageOutbox(ctx, tx, change.Outbox, change.At); err != nil {
		return 0, err
	}

	r.logger.Debug("Order unit of work written",
		zap.String("order_id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.Int64("version", version),
		zap.Int("outbox_messages", len(change.Outbox)))
	return version, nil
}

func (r *orderRepository) recordInbound(ctx context.Context, tx *sql.Tx, ev order_repo.InboundEvent, at time.Time) error {
	query := `INSERT INTO processed_events (event_id, event_type, order_id, processed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`
	res, err := tx.ExecContext(ctx, r.dialect.Rebind(query), ev.ID, ev.Type, ev.OrderID, database.Millis(at))
	if err != nil {
		return fmt.Errorf("tx failed to record inbound event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check inbound event insert: %w", err)
	}
	if n == 0 {
		return order_repo.ErrDuplicateEvent
	}
	return nil
}

func (r *orderRepository) insertOrder(ctx context.Context, tx *sql.Tx, s domain.Snapshot, version int64) error {
	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`
	res, err := tx.ExecContext(ctx, r.dialect.Rebind(query),
		s.ID, s.BuyerID, string(s.Status), string(s.CancelCause),
		s.Address.Street, s.Address.City, s.Address.State, s.Address.Country, s.Address.ZipCode,
		int(s.Payment.CardType), s.Payment.MaskedNumber, s.Payment.HolderName, database.Millis(s.Payment.Expiration),
		version, database.Millis(s.CreatedAt), database.Millis(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("tx failed to create order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s already exists: %w", s.ID, order_repo.ErrConcurrencyConflict)
	}

	itemQuery := r.dialect.Rebind(`INSERT INTO order_items (order_id, position, product_id, product_name, unit_price, units)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for i, item := range s.Items {
		if _, err := tx.ExecContext(ctx, itemQuery, s.ID, i, item.ProductID, item.ProductName, item.UnitPrice.String(), item.Units); err != nil {
			return fmt.Errorf("tx failed to create order item %s: %w", item.ProductID, err)
		}
	}
	return nil
}

// updateOrder writes the mutable columns. Items never change after creation.
func (r *orderRepository) updateOrder(ctx context.Context, tx *sql.Tx, s domain.Snapshot, version int64) error {
	query := `UPDATE orders SET status = ?, cancel_cause = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, r.dialect.Rebind(query),
		string(s.Status), string(s.CancelCause), version, database.Millis(s.UpdatedAt), s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("tx failed to update order %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		r.logger.Debug("Order version moved on, rejecting stale write",
			zap.String("order_id", s.ID), zap.Int64("expected_version", s.Version))
		return order_repo.ErrConcurrencyConflict
	}
	return nil
}

func (r *orderRepository) appendHistory(ctx context.Context, tx *sql.Tx, orderID string, history []domain.StatusChange, persisted int) error {
	if persisted > len(history) {
		return fmt.Errorf("order %s history shrank from %d to %d entries", orderID, persisted, len(history))
	}
	query := r.dialect.Rebind(`INSERT INTO order_status_history (order_id, position, status, description, occurred_at)
		VALUES (?, ?, ?, ?, ?)`)
	for i := persisted; i < len(history); i++ {
		h := history[i]
		if _, err := tx.ExecContext(ctx, query, orderID, i, string(h.Status), h.Description, database.Millis(h.OccurredAt)); err != nil {
			return fmt.Errorf("tx failed to append history entry %d: %w", i, err)
		}
	}
	return nil
}

func (r *orderRepository) stageOutbox(ctx context.Context, tx *sql.Tx, envelopes []integration.Envelope, at time.Time) error {
	query := r.dialect.Rebind(`INSERT INTO outbox_messages (id, order_id, event_type, payload, status, attempts, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`)
	for _, env := range envelopes {
		payload, err := integration.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal outbox message %s: %w", env.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query, env.ID, env.OrderID, env.EventType, payload,
			string(outbox_repo.StatusPending), database.Millis(at), database.Millis(at)); err != nil {
			return fmt.Errorf("tx failed to create outbox message: %w", err)
		}
	}
	return nil
}

// Load reads the order row, its items and its history in one read-only
// transaction so a concurrent commit cannot be seen half applied.
func (r *orderRepository) Load(ctx context.Context, id string) (_ domain.Snapshot, err error) {
	tx, err := r.db.BeginTx(ctx, r.dialect.SnapshotRead())
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err == nil {
			err = fmt.Errorf("failed to end read of order %s: %w", id, rbErr)
		}
	}()
	return r.load(ctx, tx, id)
}

func (r *orderRepository) load(ctx context.Context, tx *sql.Tx, id string) (domain.Snapshot, error) {
	var (
		s                    domain.Snapshot
		status, cause        string
		cardType             int
		expiration           int64
		createdAt, updatedAt int64
	)
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	err := tx.QueryRowContext(ctx, r.dialect.Rebind(query), id).Scan(
		&s.ID, &s.BuyerID, &status, &cause,
		&s.Address.Street, &s.Address.City, &s.Address.State, &s.Address.Country, &s.Address.ZipCode,
		&cardType, &s.Payment.MaskedNumber, &s.Payment.HolderName, &expiration,
		&s.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Snapshot{}, order_repo.ErrNotFound
		}
		r.logger.Error("Failed to get order by ID", zap.String("order_id", id), zap.Error(err))
		return domain.Snapshot{}, fmt.Errorf("failed to get order by ID %s: %w", id, err)
	}
	s.Status = domain.OrderStatus(status)
	s.CancelCause = domain.CancellationCause(cause)
	s.Payment.CardType = domain.CardType(cardType)
	s.Payment.Expiration = database.FromMillis(expiration)
	s.CreatedAt = database.FromMillis(createdAt)
	s.UpdatedAt = database.FromMillis(updatedAt)

	if s.Items, err = r.loadItems(ctx, tx, id); err != nil {
		return domain.Snapshot{}, err
	}
	if s.History, err = r.loadHistory(ctx, tx, id); err != nil {
		return domain.Snapshot{}, err
	}
	return s, nil
}

func (r *orderRepository) loadItems(ctx context.Context, tx *sql.Tx, orderID string) ([]domain.OrderItem, error) {
	query := `SELECT product_id, product_name, unit_price, units FROM order_items WHERE order_id = ? ORDER BY position`
	rows, err := tx.QueryContext(ctx, r.dialect.Rebind(query), orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get items of order %s: %w", orderID, err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var (
			item  domain.OrderItem
			price string
		)
		if err := rows.Scan(&item.ProductID, &item.ProductName, &price, &item.Units); err != nil {
			return nil, fmt.Errorf("failed to scan order item row: %w", err)
		}
		if item.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("order %s item %s has invalid price %q: %w", orderID, item.ProductID, price, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

func (r *orderRepository) loadHistory(ctx context.Context, tx *sql.Tx, orderID string) ([]domain.StatusChange, error) {
	query := `SELECT status, description, occurred_at FROM order_status_history WHERE order_id = ? ORDER BY position`
	rows, err := tx.QueryContext(ctx, r.dialect.Rebind(query), orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history of order %s: %w", orderID, err)
	}
	defer rows.Close()

	var history []domain.StatusChange
	for rows.Next() {
		var (
			h      domain.StatusChange
			status string
			at     int64
		)
		if err := rows.Scan(&status, &h.Description, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		h.Status = domain.OrderStatus(status)
		h.OccurredAt = database.FromMillis(at)
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return history, nil
}

func (r *orderRepository) ListByBuyer(ctx context.Context, buyerID string) ([]domain.Snapshot, error) {
	ids, err := r.queryIDs(ctx, `SELECT id FROM orders WHERE buyer_id = ? ORDER BY created_at DESC, id`, buyerID)
	if err != nil {
		r.logger.Error("Failed to query orders for buyer", zap.String("buyer_id", buyerID), zap.Error(err))
		return nil, fmt.Errorf("failed to get orders by buyer %s: %w", buyerID, err)
	}
	orders := make([]domain.Snapshot, 0, len(ids))
	for _, id := range ids {
		s, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, s)
	}
	return orders, nil
}

func (r *orderRepository) ListStalled(ctx context.Context, statuses []domain.OrderStatus, before time.Time, limit int) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, database.Millis(before), limit)
	query := `SELECT id FROM orders WHERE status IN (` + database.Placeholders(len(statuses)) + `)
		AND updated_at <= ? ORDER BY updated_at, id LIMIT ?`
	ids, err := r.queryIDs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled orders: %w", err)
	}
	return ids, nil
}

func (r *orderRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var found int
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT 1 FROM processed_events WHERE event_id = ?`), eventID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up processed event %s: %w", eventID, err)
	}
	return true, nil
}

// queryIDs reads the whole result before returning so callers may issue
// further queries on a single-connection pool.
func (r *orderRepository) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(strings.TrimSpace(query)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Package queue provides the durable outbox of pending remote operations.
// Items are coalesced per (table, record_id), drained in priority then FIFO
// order, retried with exponential backoff and parked after too many
// failures.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldops/spbsync/internal/db"
	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/ids"
	"github.com/fieldops/spbsync/internal/logging"
	"github.com/fieldops/spbsync/internal/models"
)

// Config holds the retry policy.
type Config struct {
	// MaxRetries is the failure count at which an item is parked.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
	}
}

// Backoff returns the delay before attempt retryCount+1.
// Formula: base * 2^(retryCount-1), capped at max.
func (c Config) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := c.BackoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// Outbox manages pending sync operations stored in sync_queue.
type Outbox struct {
	store *db.Store
	cfg   Config
	log   *logging.Logger
}

// New creates an Outbox over store.
func New(store *db.Store, cfg Config, log *logging.Logger) *Outbox {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if log == nil {
		log = logging.Get()
	}
	return &Outbox{store: store, cfg: cfg, log: log.With("outbox")}
}

// Config returns the active retry policy.
func (o *Outbox) Config() Config {
	return o.cfg
}

// mergeOperation folds a new operation into an already queued one.
func mergeOperation(queued, next models.Operation) models.Operation {
	switch {
	case next == models.OperationDelete:
		return models.OperationDelete
	case queued == models.OperationDelete:
		return models.OperationUpdate
	case queued == models.OperationCreate:
		return models.OperationCreate
	default:
		return next
	}
}

// Enqueue records a remote operation for the record inside ex, which should
// be the transaction that wrote the entity. An existing item for the same
// record, pending or parked, is replaced in place: payload swapped, retry
// accounting reset, revision bumped.
func (o *Outbox) Enqueue(ctx context.Context, ex db.Executor, op models.Operation, table, recordID string, payload models.Payload, priority int) (*models.OutboxItem, error) {
	if !op.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown operation %q", op), nil)
	}
	if !models.IsSyncedTable(table) {
		return nil, apperrors.Validation(fmt.Sprintf("table %q is not synced", table), nil)
	}
	if err := ids.ValidateRecordID(recordID); err != nil {
		return nil, apperrors.Validation("invalid record id", err)
	}
	if payload == nil {
		return nil, apperrors.Validation("payload is nil", nil)
	}
	if payload.Table() != table || payload.Key() != recordID {
		return nil, apperrors.Validation(fmt.Sprintf("payload for %s/%s enqueued as %s/%s", payload.Table(), payload.Key(), table, recordID), nil)
	}
	if (op == models.OperationDelete) != (payload.Kind() == models.KindDelete) {
		return nil, apperrors.Validation(fmt.Sprintf("%s operation with %s payload", op, payload.Kind()), nil)
	}
	data, err := models.EncodePayload(payload)
	if err != nil {
		return nil, apperrors.Validation("payload rejected", err)
	}

	now := ex.Now().UnixMilli()
	existing, err := ex.QueryOne(ctx, models.OutboxTable, db.Where("table_name", table).And("record_id", recordID))
	if err != nil && !db.IsNotFound(err) {
		return nil, err
	}

	if existing == nil {
		item := &models.OutboxItem{
			ID:          ids.NewSortable(),
			Operation:   op,
			TableName:   table,
			RecordID:    recordID,
			Data:        data,
			CreatedAt:   now,
			UpdatedAt:   now,
			Priority:    priority,
			Status:      models.QueueStatusPending,
			NextRetryAt: now,
			Revision:    1,
		}
		err := ex.Insert(ctx, models.OutboxTable, db.Row{
			"id":            item.ID,
			"operation":     string(item.Operation),
			"table_name":    item.TableName,
			"record_id":     item.RecordID,
			"data":          string(item.Data),
			"created_at":    item.CreatedAt,
			"retry_count":   0,
			"priority":      item.Priority,
			"status":        string(item.Status),
			"next_retry_at": item.NextRetryAt,
			"revision":      item.Revision,
		})
		if err != nil {
			return nil, err
		}
		o.log.Debug("enqueued", map[string]any{"item_id": item.ID, "table": table, "record_id": recordID, "operation": string(op)})
		return item, nil
	}

	item := itemFromRow(existing)
	item.Operation = mergeOperation(item.Operation, op)
	item.Data = data
	item.RetryCount = 0
	item.LastError = ""
	item.Status = models.QueueStatusPending
	item.NextRetryAt = now
	item.Priority = priority
	item.Revision++
	item.UpdatedAt = now

	_, err = ex.Update(ctx, models.OutboxTable, db.Row{
		"operation":     string(item.Operation),
		"data":          string(item.Data),
		"retry_count":   0,
		"last_error":    nil,
		"status":        string(item.Status),
		"next_retry_at": item.NextRetryAt,
		"priority":      item.Priority,
		"revision":      item.Revision,
	}, db.Where("id", item.ID))
	if err != nil {
		return nil, err
	}
	o.log.Debug("coalesced", map[string]any{"item_id": item.ID, "table": table, "record_id": recordID, "operation": string(item.Operation), "revision": item.Revision})
	return item, nil
}

var drainOrder = []db.Order{{Column: "priority"}, {Column: "created_at"}, {Column: "id"}}

// DequeueBatch returns up to limit pending items whose backoff has elapsed,
// in drain order. Items stay in the outbox until RecordSuccess.
func (o *Outbox) DequeueBatch(ctx context.Context, limit int) ([]*models.OutboxItem, error) {
	where := db.Where("status", string(models.QueueStatusPending)).
		AndOp("next_retry_at", "<=", o.store.Now().UnixMilli())
	rows, err := o.store.Query(ctx, models.OutboxTable, where, &db.QueryOptions{OrderBy: drainOrder, Limit: limit})
	if err != nil {
		return nil, err
	}
	return itemsFromRows(rows), nil
}

// DequeuePending returns up to limit pending items in drain order
// regardless of backoff, for a user-initiated sync.
func (o *Outbox) DequeuePending(ctx context.Context, limit int) ([]*models.OutboxItem, error) {
	where := db.Where("status", string(models.QueueStatusPending))
	rows, err := o.store.Query(ctx, models.OutboxTable, where, &db.QueryOptions{OrderBy: drainOrder, Limit: limit})
	if err != nil {
		return nil, err
	}
	return itemsFromRows(rows), nil
}

// DequeueRecord returns the pending items for one record regardless of
// backoff, for a user-initiated sync of that record. Record ids are only
// unique within a table.
func (o *Outbox) DequeueRecord(ctx context.Context, table, recordID string) ([]*models.OutboxItem, error) {
	where := db.Where("status", string(models.QueueStatusPending)).
		And("table_name", table).
		And("record_id", recordID)
	rows, err := o.store.Query(ctx, models.OutboxTable, where, &db.QueryOptions{OrderBy: drainOrder})
	if err != nil {
		return nil, err
	}
	return itemsFromRows(rows), nil
}

// RecordSuccess removes a pushed item and clears the entity's dirty flag in
// one transaction. When the item was coalesced after it was read, the newer
// payload has not been pushed yet: the item and the dirty flag are kept and
// superseded is true.
func (o *Outbox) RecordSuccess(ctx context.Context, item *models.OutboxItem) (superseded bool, err error) {
	err = o.store.WithTx(ctx, func(tx *db.Tx) error {
		n, err := tx.Delete(ctx, models.OutboxTable, db.Where("id", item.ID).And("revision", item.Revision))
		if err != nil {
			return err
		}
		if n == 0 {
			superseded = true
			return nil
		}
		return db.MarkSynced(ctx, tx, item.TableName, item.RecordID, tx.Now())
	})
	if err != nil {
		return false, err
	}
	if superseded {
		o.log.Debug("pushed revision superseded", map[string]any{"item_id": item.ID, "revision": item.Revision})
	}
	return superseded, nil
}

// RecordFailure applies retry accounting after a failed push. The item is
// parked (status=failed) when permanent is set or the retry ceiling is
// reached; otherwise its next attempt is pushed back by the backoff. The
// returned item reflects the stored state, nil when the item is gone.
func (o *Outbox) RecordFailure(ctx context.Context, item *models.OutboxItem, cause error, permanent bool) (*models.OutboxItem, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	var updated *models.OutboxItem
	err := o.store.WithTx(ctx, func(tx *db.Tx) error {
		row, err := tx.QueryOne(ctx, models.OutboxTable, db.Where("id", item.ID))
		if db.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		current := itemFromRow(row)
		if current.Revision != item.Revision {
			// A newer payload replaced the one that failed; its accounting starts fresh.
			updated = current
			return nil
		}

		now := tx.Now()
		current.RetryCount++
		current.LastError = msg
		if permanent || current.RetryCount >= o.cfg.MaxRetries {
			current.Status = models.QueueStatusFailed
		} else {
			current.Status = models.QueueStatusPending
			current.NextRetryAt = now.Add(o.cfg.Backoff(current.RetryCount)).UnixMilli()
		}

		if _, err := tx.Update(ctx, models.OutboxTable, db.Row{
			"retry_count":   current.RetryCount,
			"last_error":    current.LastError,
			"status":        string(current.Status),
			"next_retry_at": current.NextRetryAt,
		}, db.Where("id", current.ID)); err != nil {
			return err
		}
		if err := db.MarkSyncFailed(ctx, tx, current.TableName, current.RecordID, msg); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated != nil && updated.Status == models.QueueStatusFailed {
		o.log.ErrorWithCode("item parked", string(apperrors.ErrSyncFailed), cause, map[string]any{
			"item_id":     updated.ID,
			"table":       updated.TableName,
			"record_id":   updated.RecordID,
			"retry_count": updated.RetryCount,
			"permanent":   permanent,
		})
	} else if updated != nil {
		o.log.Warn("push failed, retry scheduled", map[string]any{
			"item_id":       updated.ID,
			"retry_count":   updated.RetryCount,
			"max_retries":   o.cfg.MaxRetries,
			"next_retry_at": updated.NextRetryAt,
			"error":         msg,
		})
	}
	return updated, nil
}

// Retry resets parked items to pending for immediate retry. An empty id
// resets every parked item; a specific id is also released from backoff.
func (o *Outbox) Retry(ctx context.Context, id string) (int, error) {
	where := db.Where("status", string(models.QueueStatusFailed))
	if id != "" {
		where = db.Where("id", id)
	}
	n, err := o.store.Update(ctx, models.OutboxTable, db.Row{
		"status":        string(models.QueueStatusPending),
		"retry_count":   0,
		"last_error":    nil,
		"next_retry_at": o.store.Now().UnixMilli(),
	}, where)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.log.Info("reset items for retry", map[string]any{"count": n, "item_id": id})
	}
	return int(n), nil
}

// Get returns one item or db.ErrNotFound.
func (o *Outbox) Get(ctx context.Context, id string) (*models.OutboxItem, error) {
	row, err := o.store.QueryOne(ctx, models.OutboxTable, db.Where("id", id))
	if err != nil {
		return nil, err
	}
	return itemFromRow(row), nil
}

// ForRecord returns the item queued for a record or db.ErrNotFound.
func (o *Outbox) ForRecord(ctx context.Context, table, recordID string) (*models.OutboxItem, error) {
	row, err := o.store.QueryOne(ctx, models.OutboxTable, db.Where("table_name", table).And("record_id", recordID))
	if err != nil {
		return nil, err
	}
	return itemFromRow(row), nil
}

// List returns items in drain order, filtered by status when set.
func (o *Outbox) List(ctx context.Context, status models.QueueStatus, limit int) ([]*models.OutboxItem, error) {
	where := db.All()
	if status != "" {
		where = db.Where("status", string(status))
	}
	rows, err := o.store.Query(ctx, models.OutboxTable, where, &db.QueryOptions{OrderBy: drainOrder, Limit: limit})
	if err != nil {
		return nil, err
	}
	return itemsFromRows(rows), nil
}

// PendingCount returns the number of items not parked.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	return o.store.Count(ctx, models.OutboxTable, db.Where("status", string(models.QueueStatusPending)))
}

// Stats summarizes the outbox.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	// Due counts pending items whose backoff has elapsed.
	Due    int `json:"due"`
	Failed int `json:"failed"`
	// NextRetryAt is the earliest scheduled attempt among pending items not yet due.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

// Stats returns queue statistics.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	now := o.store.Now().UnixMilli()
	pending := db.Where("status", string(models.QueueStatusPending))

	if s.Total, err = o.store.Count(ctx, models.OutboxTable, db.All()); err != nil {
		return s, err
	}
	if s.Pending, err = o.store.Count(ctx, models.OutboxTable, pending); err != nil {
		return s, err
	}
	if s.Due, err = o.store.Count(ctx, models.OutboxTable, pending.AndOp("next_retry_at", "<=", now)); err != nil {
		return s, err
	}
	if s.Failed, err = o.store.Count(ctx, models.OutboxTable, db.Where("status", string(models.QueueStatusFailed))); err != nil {
		return s, err
	}

	rows, err := o.store.Query(ctx, models.OutboxTable, pending.AndOp("next_retry_at", ">", now), &db.QueryOptions{
		OrderBy: []db.Order{{Column: "next_retry_at"}},
		Limit:   1,
	})
	if err != nil {
		return s, err
	}
	if len(rows) == 1 {
		s.NextRetryAt = time.UnixMilli(rows[0].Int64("next_retry_at"))
	}
	return s, nil
}

func itemFromRow(r db.Row) *models.OutboxItem {
	return &models.OutboxItem{
		ID:          r.String("id"),
		Operation:   models.Operation(r.String("operation")),
		TableName:   r.String("table_name"),
		RecordID:    r.String("record_id"),
		Data:        r.Bytes("data"),
		CreatedAt:   r.Int64("created_at"),
		UpdatedAt:   r.Int64("updated_at"),
		RetryCount:  r.Int("retry_count"),
		LastError:   r.String("last_error"),
		Priority:    r.Int("priority"),
		Status:      models.QueueStatus(r.String("status")),
		NextRetryAt: r.Int64("next_retry_at"),
		Revision:    r.Int64("revision"),
	}
}

func itemsFromRows(rows []db.Row) []*models.OutboxItem {
	items := make([]*models.OutboxItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, itemFromRow(r))
	}
	return items
}

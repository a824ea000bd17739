package models

import (
	"encoding/json"
	"time"
)

// QueueStatus is the state of an outbox item.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	// QueueStatusFailed items are parked until a manual retry.
	QueueStatusFailed QueueStatus = "failed"
)

// OutboxItem is a pending remote operation derived from a local write.
// Timestamps are unix milliseconds.
type OutboxItem struct {
	ID          string          `db:"id" json:"id"`
	Operation   Operation       `db:"operation" json:"operation"`
	TableName   string          `db:"table_name" json:"table_name"`
	RecordID    string          `db:"record_id" json:"record_id"`
	Data        json.RawMessage `db:"data" json:"data"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	Priority    int             `db:"priority" json:"priority"`
	Status      QueueStatus     `db:"status" json:"status"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	// Revision increases each time a newer payload is coalesced into the item.
	Revision int64 `db:"revision" json:"revision"`
}

// OutboxTable is the table backing the outbox.
const OutboxTable = "sync_queue"

// Payload decodes the item's data into its typed variant.
func (i *OutboxItem) Payload() (Payload, error) {
	return DecodePayload(i.TableName, i.Operation, i.Data)
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (i *OutboxItem) CreatedAtTime() time.Time {
	return time.UnixMilli(i.CreatedAt)
}

// NextRetryAtTime returns the NextRetryAt as time.Time.
func (i *OutboxItem) NextRetryAtTime() time.Time {
	return time.UnixMilli(i.NextRetryAt)
}

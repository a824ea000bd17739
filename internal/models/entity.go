// Package models provides the typed records persisted by the local store
// and pushed through the outbox.
package models

import "time"

// SyncStatus is the outcome of the last push attempt for a record.
type SyncStatus string

const (
	SyncStatusNone    SyncStatus = ""
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncMeta is carried by every domain row. Timestamps are unix milliseconds.
type SyncMeta struct {
	IsDirty        bool       `db:"is_dirty" json:"is_dirty"`
	SyncedAt       *int64     `db:"synced_at" json:"synced_at,omitempty"`
	LastSyncStatus SyncStatus `db:"last_sync_status" json:"last_sync_status,omitempty"`
	SyncError      string     `db:"sync_error" json:"sync_error,omitempty"`
	CreatedAt      int64      `db:"created_at" json:"created_at"`
	UpdatedAt      int64      `db:"updated_at" json:"updated_at"`
}

// SyncedAtTime returns SyncedAt as time.Time, zero when never synced.
func (m *SyncMeta) SyncedAtTime() time.Time {
	if m.SyncedAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(*m.SyncedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (m *SyncMeta) UpdatedAtTime() time.Time {
	return time.UnixMilli(m.UpdatedAt)
}

// Entity is a domain record that can be saved locally and pushed remotely.
type Entity interface {
	TableName() string
	RecordID() string
	// Snapshot returns the payload to enqueue for this record's current state.
	Snapshot() Payload
	Meta() *SyncMeta
}

// Table names of the synced domain tables.
const (
	TableUsers         = "users"
	TableDeliveryNotes = "delivery_notes"
	TableDataEntries   = "data_entries"
)

// SyncedTables lists every table that carries sync metadata.
var SyncedTables = []string{TableUsers, TableDeliveryNotes, TableDataEntries}

// IsSyncedTable reports whether table is a known synced domain table.
func IsSyncedTable(table string) bool {
	for _, t := range SyncedTables {
		if t == table {
			return true
		}
	}
	return false
}

// Default outbox priorities: parents drain before the rows that reference them.
const (
	PriorityUser         = 10
	PriorityDeliveryNote = 20
	PriorityDataEntry    = 30
)

// DefaultPriority returns the outbox priority for a table.
func DefaultPriority(table string) int {
	switch table {
	case TableUsers:
		return PriorityUser
	case TableDeliveryNotes:
		return PriorityDeliveryNote
	default:
		return PriorityDataEntry
	}
}

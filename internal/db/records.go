package db

import (
	"context"
	"time"

	"github.com/fieldops/spbsync/internal/models"
)

func metaRow(m *models.SyncMeta, row Row) Row {
	row["is_dirty"] = m.IsDirty
	row["synced_at"] = m.SyncedAt
	row["last_sync_status"] = nullString(string(m.LastSyncStatus))
	row["sync_error"] = nullString(m.SyncError)
	if m.CreatedAt > 0 {
		row["created_at"] = m.CreatedAt
	}
	return row
}

func metaFromRow(r Row) models.SyncMeta {
	return models.SyncMeta{
		IsDirty:        r.Bool("is_dirty"),
		SyncedAt:       r.NullInt64("synced_at"),
		LastSyncStatus: models.SyncStatus(r.String("last_sync_status")),
		SyncError:      r.String("sync_error"),
		CreatedAt:      r.Int64("created_at"),
		UpdatedAt:      r.Int64("updated_at"),
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// DeliveryNotes reads and writes delivery_notes rows.
type DeliveryNotes struct {
	ex Executor
}

// NewDeliveryNotes binds the repository to a store or an open transaction.
func NewDeliveryNotes(ex Executor) *DeliveryNotes {
	return &DeliveryNotes{ex: ex}
}

// Upsert inserts or replaces the note, keeping its original created_at.
func (r *DeliveryNotes) Upsert(ctx context.Context, n *models.DeliveryNote) error {
	row := metaRow(&n.SyncMeta, Row{
		"id":            n.ID,
		"spb_number":    n.SPBNumber,
		"driver_id":     n.DriverID,
		"vehicle_plate": n.VehiclePlate,
		"origin":        n.Origin,
		"destination":   n.Destination,
		"status":        string(n.Status),
		"received_by":   n.ReceivedBy,
		"accepted_at":   n.AcceptedAt,
		"latitude":      n.Latitude,
		"longitude":     n.Longitude,
		"notes":         n.Notes,
	})
	return r.ex.Upsert(ctx, models.TableDeliveryNotes, row, "id")
}

// Get returns the note with id or ErrNotFound.
func (r *DeliveryNotes) Get(ctx context.Context, id string) (*models.DeliveryNote, error) {
	row, err := r.ex.QueryOne(ctx, models.TableDeliveryNotes, Where("id", id))
	if err != nil {
		return nil, err
	}
	return deliveryNoteFromRow(row), nil
}

// List returns notes newest first, optionally only the dirty ones.
func (r *DeliveryNotes) List(ctx context.Context, dirtyOnly bool, limit int) ([]*models.DeliveryNote, error) {
	where := All()
	if dirtyOnly {
		where = Where("is_dirty", true)
	}
	rows, err := r.ex.Query(ctx, models.TableDeliveryNotes, where, &QueryOptions{
		OrderBy: []Order{{Column: "updated_at", Desc: true}, {Column: "id"}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	notes := make([]*models.DeliveryNote, 0, len(rows))
	for _, row := range rows {
		notes = append(notes, deliveryNoteFromRow(row))
	}
	return notes, nil
}

// Delete removes the note row.
func (r *DeliveryNotes) Delete(ctx context.Context, id string) error {
	_, err := r.ex.Delete(ctx, models.TableDeliveryNotes, Where("id", id))
	return err
}

func deliveryNoteFromRow(r Row) *models.DeliveryNote {
	return &models.DeliveryNote{
		DeliveryNotePayload: models.DeliveryNotePayload{
			ID:           r.String("id"),
			SPBNumber:    r.String("spb_number"),
			DriverID:     r.String("driver_id"),
			VehiclePlate: r.String("vehicle_plate"),
			Origin:       r.String("origin"),
			Destination:  r.String("destination"),
			Status:       models.DeliveryStatus(r.String("status")),
			ReceivedBy:   r.String("received_by"),
			AcceptedAt:   r.NullInt64("accepted_at"),
			Latitude:     r.NullFloat64("latitude"),
			Longitude:    r.NullFloat64("longitude"),
			Notes:        r.String("notes"),
		},
		SyncMeta: metaFromRow(r),
	}
}

// DataEntries reads and writes data_entries rows.
type DataEntries struct {
	ex Executor
}

// NewDataEntries binds the repository to a store or an open transaction.
func NewDataEntries(ex Executor) *DataEntries {
	return &DataEntries{ex: ex}
}

func (r *DataEntries) Upsert(ctx context.Context, e *models.DataEntry) error {
	row := metaRow(&e.SyncMeta, Row{
		"id":               e.ID,
		"delivery_note_id": e.DeliveryNoteID,
		"category":         string(e.Category),
		"description":      e.Description,
		"quantity":         e.Quantity,
		"reported_by":      e.ReportedBy,
		"reported_at":      e.ReportedAt,
		"latitude":         e.Latitude,
		"longitude":        e.Longitude,
		"photo_ref":        e.PhotoRef,
	})
	return r.ex.Upsert(ctx, models.TableDataEntries, row, "id")
}

func (r *DataEntries) Get(ctx context.Context, id string) (*models.DataEntry, error) {
	row, err := r.ex.QueryOne(ctx, models.TableDataEntries, Where("id", id))
	if err != nil {
		return nil, err
	}
	return dataEntryFromRow(row), nil
}

// ListByNote returns the entries reported against one delivery note,
// oldest first.
func (r *DataEntries) ListByNote(ctx context.Context, noteID string) ([]*models.DataEntry, error) {
	rows, err := r.ex.Query(ctx, models.TableDataEntries, Where("delivery_note_id", noteID), &QueryOptions{
		OrderBy: []Order{{Column: "reported_at"}, {Column: "id"}},
	})
	if err != nil {
		return nil, err
	}
	entries := make([]*models.DataEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, dataEntryFromRow(row))
	}
	return entries, nil
}

func (r *DataEntries) Delete(ctx context.Context, id string) error {
	_, err := r.ex.Delete(ctx, models.TableDataEntries, Where("id", id))
	return err
}

func dataEntryFromRow(r Row) *models.DataEntry {
	return &models.DataEntry{
		DataEntryPayload: models.DataEntryPayload{
			ID:             r.String("id"),
			DeliveryNoteID: r.String("delivery_note_id"),
			Category:       models.EntryCategory(r.String("category")),
			Description:    r.String("description"),
			Quantity:       r.NullFloat64("quantity"),
			ReportedBy:     r.String("reported_by"),
			ReportedAt:     r.Int64("reported_at"),
			Latitude:       r.NullFloat64("latitude"),
			Longitude:      r.NullFloat64("longitude"),
			PhotoRef:       r.String("photo_ref"),
		},
		SyncMeta: metaFromRow(r),
	}
}

// Users reads and writes users rows.
type Users struct {
	ex Executor
}

func NewUsers(ex Executor) *Users {
	return &Users{ex: ex}
}

func (r *Users) Upsert(ctx context.Context, u *models.User) error {
	row := metaRow(&u.SyncMeta, Row{
		"id":        u.ID,
		"username":  u.Username,
		"full_name": u.FullName,
		"role":      string(u.Role),
		"phone":     u.Phone,
	})
	return r.ex.Upsert(ctx, models.TableUsers, row, "id")
}

func (r *Users) Get(ctx context.Context, id string) (*models.User, error) {
	row, err := r.ex.QueryOne(ctx, models.TableUsers, Where("id", id))
	if err != nil {
		return nil, err
	}
	return userFromRow(row), nil
}

func (r *Users) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	row, err := r.ex.QueryOne(ctx, models.TableUsers, Where("username", username))
	if err != nil {
		return nil, err
	}
	return userFromRow(row), nil
}

func (r *Users) Delete(ctx context.Context, id string) error {
	_, err := r.ex.Delete(ctx, models.TableUsers, Where("id", id))
	return err
}

func userFromRow(r Row) *models.User {
	return &models.User{
		UserPayload: models.UserPayload{
			ID:       r.String("id"),
			Username: r.String("username"),
			FullName: r.String("full_name"),
			Role:     models.Role(r.String("role")),
			Phone:    r.String("phone"),
		},
		SyncMeta: metaFromRow(r),
	}
}

// MarkSynced clears the dirty flag after a successful push. A row that no
// longer exists (pushed delete) is not an error.
func MarkSynced(ctx context.Context, ex Executor, table, id string, at time.Time) error {
	_, err := ex.Update(ctx, table, Row{
		"is_dirty":         false,
		"synced_at":        at.UnixMilli(),
		"last_sync_status": string(models.SyncStatusSuccess),
		"sync_error":       nil,
	}, Where("id", id))
	return err
}

// MarkSyncFailed records a failed push. The row stays dirty.
func MarkSyncFailed(ctx context.Context, ex Executor, table, id, message string) error {
	_, err := ex.Update(ctx, table, Row{
		"last_sync_status": string(models.SyncStatusFailed),
		"sync_error":       nullString(message),
	}, Where("id", id))
	return err
}

// SyncState returns the sync metadata of one row.
func SyncState(ctx context.Context, ex Executor, table, id string) (models.SyncMeta, error) {
	row, err := ex.QueryOne(ctx, table, Where("id", id))
	if err != nil {
		return models.SyncMeta{}, err
	}
	return metaFromRow(row), nil
}

// DirtyCount returns how many rows of table have unsynced changes.
func DirtyCount(ctx context.Context, ex Executor, table string) (int, error) {
	return ex.Count(ctx, table, Where("is_dirty", true))
}

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldops/spbsync/internal/auth"
	"github.com/fieldops/spbsync/internal/db"
	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/ids"
	"github.com/fieldops/spbsync/internal/models"
	syncpkg "github.com/fieldops/spbsync/internal/sync"
	"github.com/fieldops/spbsync/internal/sync/queue"
)

// SaveDeliveryNote stores the note locally and queues it for upload. An
// empty ID gets a generated one.
func (s *Service) SaveDeliveryNote(ctx context.Context, p models.DeliveryNotePayload) (*models.DeliveryNote, error) {
	if p.ID == "" {
		p.ID = ids.New()
	}
	note := &models.DeliveryNote{DeliveryNotePayload: p}
	err := s.save(ctx, note, func(tx *db.Tx) error {
		return db.NewDeliveryNotes(tx).Upsert(ctx, note)
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// SaveDataEntry stores a field report locally and queues it for upload.
func (s *Service) SaveDataEntry(ctx context.Context, p models.DataEntryPayload) (*models.DataEntry, error) {
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.ReportedAt == 0 {
		p.ReportedAt = s.store.Now().UnixMilli()
	}
	entry := &models.DataEntry{DataEntryPayload: p}
	err := s.save(ctx, entry, func(tx *db.Tx) error {
		return db.NewDataEntries(tx).Upsert(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// SaveUser stores a user profile locally and queues it for upload.
func (s *Service) SaveUser(ctx context.Context, p models.UserPayload) (*models.User, error) {
	if p.ID == "" {
		p.ID = ids.New()
	}
	user := &models.User{UserPayload: p}
	err := s.save(ctx, user, func(tx *db.Tx) error {
		return db.NewUsers(tx).Upsert(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// save writes the entity dirty and enqueues its snapshot in one
// transaction. It never touches the network.
func (s *Service) save(ctx context.Context, e models.Entity, write func(tx *db.Tx) error) error {
	if err := models.ValidatePayload(e.Snapshot()); err != nil {
		return apperrors.Validation(fmt.Sprintf("invalid %s record", e.TableName()), err)
	}

	var item *models.OutboxItem
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		op := models.OperationCreate
		meta := e.Meta()
		prev, err := db.SyncState(ctx, tx, e.TableName(), e.RecordID())
		switch {
		case err == nil:
			op = models.OperationUpdate
			meta.CreatedAt = prev.CreatedAt
			meta.SyncedAt = prev.SyncedAt
			meta.LastSyncStatus = prev.LastSyncStatus
			meta.SyncError = prev.SyncError
		case !db.IsNotFound(err):
			return err
		}
		meta.IsDirty = true

		if err := write(tx); err != nil {
			return err
		}
		item, err = s.outbox.Enqueue(ctx, tx, op, e.TableName(), e.RecordID(), e.Snapshot(), models.DefaultPriority(e.TableName()))
		return err
	})
	if err != nil {
		return wrapStore("save record", err)
	}

	s.log.Debug("Record saved", map[string]any{
		"table":     e.TableName(),
		"record_id": e.RecordID(),
		"item_id":   item.ID,
		"revision":  item.Revision,
	})
	s.scheduler.Nudge()
	return nil
}

// DeleteRecord removes a record locally and queues the remote delete.
func (s *Service) DeleteRecord(ctx context.Context, table, id string) error {
	if !models.IsSyncedTable(table) {
		return apperrors.Validation(fmt.Sprintf("table %q is not synced", table), nil)
	}
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := db.SyncState(ctx, tx, table, id); err != nil {
			return err
		}
		if _, err := tx.Delete(ctx, table, db.Where("id", id)); err != nil {
			return err
		}
		payload := models.DeletePayload{TableName: table, ID: id}
		_, err := s.outbox.Enqueue(ctx, tx, models.OperationDelete, table, id, payload, models.DefaultPriority(table))
		return err
	})
	if db.IsNotFound(err) {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, id))
	}
	if err != nil {
		return wrapStore("delete record", err)
	}
	s.log.Debug("Record deleted", map[string]any{"table": table, "record_id": id})
	s.scheduler.Nudge()
	return nil
}

// SyncNow runs a user-initiated pass, scoped to one record when recordID
// is set. Backoff is ignored; parked items stay parked.
func (s *Service) SyncNow(ctx context.Context, table, recordID string) (*syncpkg.Outcome, error) {
	if recordID != "" && !models.IsSyncedTable(table) {
		return nil, apperrors.Validation(fmt.Sprintf("table %q is not synced", table), nil)
	}
	if !s.network.Online() {
		return nil, apperrors.Network("device is offline", nil)
	}
	return s.engine.Drain(ctx, syncpkg.Options{Table: table, RecordID: recordID, Manual: true})
}

// ObserveStatus streams sync status events.
func (s *Service) ObserveStatus() (<-chan syncpkg.StatusEvent, func()) {
	return s.engine.Subscribe()
}

// ObserveAuth streams session state events.
func (s *Service) ObserveAuth() (<-chan auth.AuthState, func()) {
	return s.auth.Subscribe()
}

// ObserveConnectivity streams online/offline transitions.
func (s *Service) ObserveConnectivity() (<-chan bool, func()) {
	return s.network.Subscribe()
}

// RecordState is the per-record sync state shown next to each row.
type RecordState string

const (
	RecordSynced  RecordState = "synced"
	RecordPending RecordState = "pending"
	RecordFailed  RecordState = "failed"
)

// RecordStatus describes one record's position in the sync pipeline.
type RecordStatus struct {
	Table       string      `json:"table"`
	ID          string      `json:"id"`
	State       RecordState `json:"state"`
	RetryCount  int         `json:"retry_count,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	ItemID      string      `json:"item_id,omitempty"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
	SyncedAt    *time.Time  `json:"synced_at,omitempty"`
}

// RecordStatus reports whether a record is synced, pending or parked. A
// record deleted locally stays visible while its delete is queued.
func (s *Service) RecordStatus(ctx context.Context, table, id string) (*RecordStatus, error) {
	st := &RecordStatus{Table: table, ID: id, State: RecordSynced}

	item, err := s.outbox.ForRecord(ctx, table, id)
	switch {
	case err == nil:
		st.ItemID = item.ID
		st.RetryCount = item.RetryCount
		st.LastError = item.LastError
		st.State = RecordPending
		if item.Status == models.QueueStatusFailed {
			st.State = RecordFailed
		} else if item.RetryCount > 0 {
			t := item.NextRetryAtTime()
			st.NextRetryAt = &t
		}
	case !db.IsNotFound(err):
		return nil, wrapStore("read outbox", err)
	}

	meta, err := db.SyncState(ctx, s.store, table, id)
	switch {
	case err == nil:
		if meta.SyncedAt != nil {
			t := meta.SyncedAtTime()
			st.SyncedAt = &t
		}
	case db.IsNotFound(err):
		if item == nil {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, id))
		}
	default:
		return nil, wrapStore("read record", err)
	}
	return st, nil
}

// RetryFailed releases parked items, one when id is set, all otherwise,
// and requests a drain.
func (s *Service) RetryFailed(ctx context.Context, id string) (int, error) {
	n, err := s.outbox.Retry(ctx, id)
	if err != nil {
		return 0, wrapStore("retry items", err)
	}
	if n > 0 {
		s.scheduler.TriggerSync()
	}
	return n, nil
}

// QueueStats summarizes the outbox.
func (s *Service) QueueStats(ctx context.Context) (queue.Stats, error) {
	stats, err := s.outbox.Stats(ctx)
	if err != nil {
		return stats, wrapStore("read outbox", err)
	}
	return stats, nil
}

// Login signs in, falling back to the offline credential when the API is
// unreachable, and requests a drain of anything queued meanwhile.
func (s *Service) Login(ctx context.Context, username, password string) (*auth.Session, error) {
	sess, err := s.auth.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	s.scheduler.Nudge()
	return sess, nil
}

// Logout clears the session. Queued items are kept for the next sign-in.
func (s *Service) Logout(ctx context.Context) error {
	return s.auth.ClearTokens(ctx)
}

// wrapStore turns raw store failures into Cache errors and passes typed
// errors through.
func wrapStore(op string, err error) error {
	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) {
		return err
	}
	return apperrors.Cache(op, err)
}

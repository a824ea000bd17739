package models

// EntryCategory classifies a field report against an SPB.
type EntryCategory string

const (
	CategoryDamage   EntryCategory = "damage"
	CategoryShortage EntryCategory = "shortage"
	CategoryExcess   EntryCategory = "excess"
	CategoryDelay    EntryCategory = "delay"
	CategoryOther    EntryCategory = "other"
)

// DataEntryPayload is the synced state of an exception report or other
// field data captured against a delivery note.
type DataEntryPayload struct {
	ID             string        `db:"id" json:"id"`
	DeliveryNoteID string        `db:"delivery_note_id" json:"delivery_note_id"`
	Category       EntryCategory `db:"category" json:"category"`
	Description    string        `db:"description" json:"description"`
	Quantity       *float64      `db:"quantity" json:"quantity,omitempty"`
	ReportedBy     string        `db:"reported_by" json:"reported_by,omitempty"`
	ReportedAt     int64         `db:"reported_at" json:"reported_at"`
	Latitude       *float64      `db:"latitude" json:"latitude,omitempty"`
	Longitude      *float64      `db:"longitude" json:"longitude,omitempty"`
	PhotoRef       string        `db:"photo_ref" json:"photo_ref,omitempty"`
}

func (DataEntryPayload) Kind() PayloadKind {
	return KindDataEntry
}

func (DataEntryPayload) Table() string {
	return TableDataEntries
}

func (p DataEntryPayload) Key() string {
	return p.ID
}

func (DataEntryPayload) sealed() {}

// DataEntry is a data entry row with its sync metadata.
type DataEntry struct {
	DataEntryPayload
	SyncMeta
}

// TableName returns the table name for DataEntry.
func (DataEntry) TableName() string {
	return TableDataEntries
}

func (e *DataEntry) RecordID() string {
	return e.ID
}

func (e *DataEntry) Snapshot() Payload {
	return e.DataEntryPayload
}

func (e *DataEntry) Meta() *SyncMeta {
	return &e.SyncMeta
}


package models

// DeliveryStatus is the acceptance state of an SPB.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryAccepted  DeliveryStatus = "accepted"
	DeliveryRejected  DeliveryStatus = "rejected"
	DeliveryException DeliveryStatus = "exception"
)

// DeliveryNotePayload is the synced state of a delivery note (SPB).
type DeliveryNotePayload struct {
	ID           string         `db:"id" json:"id"`
	SPBNumber    string         `db:"spb_number" json:"spb_number"`
	DriverID     string         `db:"driver_id" json:"driver_id,omitempty"`
	VehiclePlate string         `db:"vehicle_plate" json:"vehicle_plate,omitempty"`
	Origin       string         `db:"origin" json:"origin,omitempty"`
	Destination  string         `db:"destination" json:"destination,omitempty"`
	Status       DeliveryStatus `db:"status" json:"status"`
	ReceivedBy   string         `db:"received_by" json:"received_by,omitempty"`
	AcceptedAt   *int64         `db:"accepted_at" json:"accepted_at,omitempty"`
	Latitude     *float64       `db:"latitude" json:"latitude,omitempty"`
	Longitude    *float64       `db:"longitude" json:"longitude,omitempty"`
	Notes        string         `db:"notes" json:"notes,omitempty"`
}

func (DeliveryNotePayload) Kind() PayloadKind {
	return KindDeliveryNote
}

func (DeliveryNotePayload) Table() string {
	return TableDeliveryNotes
}

func (p DeliveryNotePayload) Key() string {
	return p.ID
}

func (DeliveryNotePayload) sealed() {}

// DeliveryNote is a delivery note row with its sync metadata.
type DeliveryNote struct {
	DeliveryNotePayload
	SyncMeta
}

// TableName returns the table name for DeliveryNote.
func (DeliveryNote) TableName() string {
	return TableDeliveryNotes
}

func (n *DeliveryNote) RecordID() string {
	return n.ID
}

func (n *DeliveryNote) Snapshot() Payload {
	return n.DeliveryNotePayload
}

func (n *DeliveryNote) Meta() *SyncMeta {
	return &n.SyncMeta
}


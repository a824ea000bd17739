// Package models tests for payload variants, schemas and token helpers.
package models

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func floatPtr(f float64) *float64 {
	return &f
}

func int64Ptr(i int64) *int64 {
	return &i
}

// TestPayloadRoundTrip verifies that every variant decodes to an equal value.
func TestPayloadRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		payload Payload
	}{
		{
			name: "delivery note",
			op:   OperationCreate,
			payload: DeliveryNotePayload{
				ID:           "E1",
				SPBNumber:    "SPB-0001",
				VehiclePlate: "B1234XY",
				Status:       DeliveryAccepted,
				AcceptedAt:   int64Ptr(1700000000000),
				Latitude:     floatPtr(-6.2),
				Longitude:    floatPtr(106.8),
			},
		},
		{
			name: "data entry",
			op:   OperationUpdate,
			payload: DataEntryPayload{
				ID:             "DE-1",
				DeliveryNoteID: "E1",
				Category:       CategoryShortage,
				Description:    "2 cartons missing",
				Quantity:       floatPtr(2),
				ReportedAt:     1700000000000,
			},
		},
		{
			name:    "user",
			op:      OperationCreate,
			payload: UserPayload{ID: "U1", Username: "driver01", Role: RoleDriver},
		},
		{
			name:    "delete",
			op:      OperationDelete,
			payload: DeletePayload{TableName: TableDataEntries, ID: "DE-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.payload)
			if err != nil {
				t.Fatalf("EncodePayload: %v", err)
			}
			got, err := DecodePayload(tt.payload.Table(), tt.op, data)
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if !reflect.DeepEqual(got, tt.payload) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, tt.payload)
			}
		})
	}
}

// TestValidatePayload covers schema rejections.
func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{"missing spb number", DeliveryNotePayload{ID: "E1", Status: DeliveryPending}},
		{"bad status", DeliveryNotePayload{ID: "E1", SPBNumber: "S", Status: "lost"}},
		{"latitude out of range", DeliveryNotePayload{ID: "E1", SPBNumber: "S", Status: DeliveryPending, Latitude: floatPtr(91)}},
		{"bad category", DataEntryPayload{ID: "D", DeliveryNoteID: "E1", Category: "theft", Description: "x"}},
		{"negative quantity", DataEntryPayload{ID: "D", DeliveryNoteID: "E1", Category: CategoryExcess, Description: "x", Quantity: floatPtr(-1)}},
		{"short username", UserPayload{ID: "U", Username: "ab", Role: RoleDriver}},
		{"unknown delete table", DeletePayload{TableName: "sync_queue", ID: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.payload)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Kind != tt.payload.Kind() {
				t.Errorf("Kind = %s, want %s", verr.Kind, tt.payload.Kind())
			}
		})
	}
}

func TestDecodePayloadRejectsUnknown(t *testing.T) {
	if _, err := DecodePayload("trucks", OperationCreate, []byte(`{"id":"x"}`)); err == nil {
		t.Error("expected unknown table to fail")
	}
	if _, err := DecodePayload(TableUsers, OperationCreate, []byte(`{"id":"x","extra":1}`)); err == nil {
		t.Error("expected unknown field to fail")
	}
	if _, err := DecodePayload(TableUsers, OperationDelete, []byte(`{"table":"delivery_notes","id":"x"}`)); err == nil {
		t.Error("expected mismatched delete table to fail")
	}
}

func TestEntitySnapshot(t *testing.T) {
	n := &DeliveryNote{DeliveryNotePayload: DeliveryNotePayload{ID: "E1", SPBNumber: "S", Status: DeliveryPending}}
	var e Entity = n
	if e.TableName() != TableDeliveryNotes || e.RecordID() != "E1" {
		t.Errorf("unexpected entity identity %s/%s", e.TableName(), e.RecordID())
	}
	if e.Snapshot().Kind() != KindDeliveryNote {
		t.Errorf("Snapshot kind = %s", e.Snapshot().Kind())
	}
	e.Meta().IsDirty = true
	if !n.IsDirty {
		t.Error("Meta() should point at the embedded metadata")
	}
}

// TestAuthTokenExpiry verifies expiry helpers.
func TestAuthTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := AuthToken{
		AccessToken:      "a",
		RefreshToken:     "r",
		ExpiresAt:        now.Add(2 * time.Minute),
		RefreshExpiresAt: now.Add(24 * time.Hour),
	}
	if tok.Expired(now) {
		t.Error("token should not be expired")
	}
	if tok.Remaining(now) != 2*time.Minute {
		t.Errorf("Remaining = %v", tok.Remaining(now))
	}
	if !tok.Expired(now.Add(2 * time.Minute)) {
		t.Error("token should be expired exactly at ExpiresAt")
	}
	if tok.RefreshExpired(now) {
		t.Error("refresh token should be valid")
	}
	if !tok.RefreshExpired(now.Add(25 * time.Hour)) {
		t.Error("refresh token should be expired")
	}
	tok.RefreshToken = ""
	if !tok.RefreshExpired(now) {
		t.Error("missing refresh token counts as expired")
	}
}

func TestDefaultPriorityOrdersParentsFirst(t *testing.T) {
	if !(DefaultPriority(TableUsers) < DefaultPriority(TableDeliveryNotes) &&
		DefaultPriority(TableDeliveryNotes) < DefaultPriority(TableDataEntries)) {
		t.Error("parents must drain before children")
	}
}

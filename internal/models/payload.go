package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Operation is the remote operation an outbox item performs.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// PayloadKind tags the concrete payload variant.
type PayloadKind string

const (
	KindUser         PayloadKind = "user"
	KindDeliveryNote PayloadKind = "delivery_note"
	KindDataEntry    PayloadKind = "data_entry"
	KindDelete       PayloadKind = "delete"
)

// Payload is the typed snapshot stored in an outbox item. The set of
// implementations is closed: UserPayload, DeliveryNotePayload,
// DataEntryPayload and DeletePayload.
type Payload interface {
	Kind() PayloadKind
	Table() string
	Key() string
	sealed()
}

// DeletePayload identifies a record removed locally.
type DeletePayload struct {
	TableName string `json:"table"`
	ID        string `json:"id"`
}

func (DeletePayload) Kind() PayloadKind {
	return KindDelete
}

func (p DeletePayload) Table() string {
	return p.TableName
}

func (p DeletePayload) Key() string {
	return p.ID
}

func (DeletePayload) sealed() {}

// EncodePayload validates p against its schema and serializes it.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	if err := validateJSON(p.Kind(), data); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodePayload parses stored outbox data into its typed variant.
func DecodePayload(table string, op Operation, data []byte) (Payload, error) {
	if op == OperationDelete {
		var p DeletePayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, fmt.Errorf("decode delete payload: %w", err)
		}
		if p.TableName != table {
			return nil, fmt.Errorf("delete payload table %q does not match %q", p.TableName, table)
		}
		return p, nil
	}

	switch table {
	case TableDeliveryNotes:
		var p DeliveryNotePayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, fmt.Errorf("decode delivery note payload: %w", err)
		}
		return p, nil
	case TableDataEntries:
		var p DataEntryPayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, fmt.Errorf("decode data entry payload: %w", err)
		}
		return p, nil
	case TableUsers:
		var p UserPayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, fmt.Errorf("decode user payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown payload table %q", table)
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

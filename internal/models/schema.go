package models

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports a payload that does not match its schema.
type ValidationError struct {
	Kind PayloadKind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s payload is invalid: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var payloadSchemas = map[PayloadKind]string{
	KindDeliveryNote: `{
		"type": "object",
		"required": ["id", "spb_number", "status"],
		"properties": {
			"id": {"type": "string", "minLength": 1, "maxLength": 128},
			"spb_number": {"type": "string", "minLength": 1, "maxLength": 64},
			"driver_id": {"type": "string"},
			"vehicle_plate": {"type": "string", "maxLength": 16},
			"origin": {"type": "string"},
			"destination": {"type": "string"},
			"status": {"enum": ["pending", "accepted", "rejected", "exception"]},
			"received_by": {"type": "string"},
			"accepted_at": {"type": "integer", "minimum": 0},
			"latitude": {"type": "number", "minimum": -90, "maximum": 90},
			"longitude": {"type": "number", "minimum": -180, "maximum": 180},
			"notes": {"type": "string", "maxLength": 2000}
		},
		"additionalProperties": false
	}`,
	KindDataEntry: `{
		"type": "object",
		"required": ["id", "delivery_note_id", "category", "description", "reported_at"],
		"properties": {
			"id": {"type": "string", "minLength": 1, "maxLength": 128},
			"delivery_note_id": {"type": "string", "minLength": 1},
			"category": {"enum": ["damage", "shortage", "excess", "delay", "other"]},
			"description": {"type": "string", "minLength": 1, "maxLength": 2000},
			"quantity": {"type": "number", "minimum": 0},
			"reported_by": {"type": "string"},
			"reported_at": {"type": "integer", "minimum": 0},
			"latitude": {"type": "number", "minimum": -90, "maximum": 90},
			"longitude": {"type": "number", "minimum": -180, "maximum": 180},
			"photo_ref": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	KindUser: `{
		"type": "object",
		"required": ["id", "username", "role"],
		"properties": {
			"id": {"type": "string", "minLength": 1, "maxLength": 128},
			"username": {"type": "string", "minLength": 3, "maxLength": 64},
			"full_name": {"type": "string"},
			"role": {"enum": ["driver", "checker", "supervisor", "admin"]},
			"phone": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	KindDelete: `{
		"type": "object",
		"required": ["table", "id"],
		"properties": {
			"table": {"enum": ["users", "delivery_notes", "data_entries"]},
			"id": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[PayloadKind]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[PayloadKind]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[PayloadKind]*jsonschema.Schema, len(payloadSchemas))
		for kind, src := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
			if err != nil {
				schemasErr = fmt.Errorf("parse %s schema: %w", kind, err)
				return
			}
			url := fmt.Sprintf("mem://spbsync/%s.json", kind)
			if err := c.AddResource(url, doc); err != nil {
				schemasErr = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			out[kind] = sch
		}
		schemas = out
	})
	return schemas, schemasErr
}

// ValidatePayload checks p against the schema for its kind.
func ValidatePayload(p Payload) error {
	_, err := EncodePayload(p)
	return err
}

func validateJSON(kind PayloadKind, data []byte) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	sch, ok := all[kind]
	if !ok {
		return &ValidationError{Kind: kind, Err: fmt.Errorf("no schema registered")}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	return nil
}

// Package ids provides unit tests for identifier generation and validation.
package ids

import (
	"sort"
	"testing"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsUUID(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

// TestNewSortableOrdering verifies successive ids sort in creation order.
func TestNewSortableOrdering(t *testing.T) {
	generated := make([]string, 0, 500)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := NewSortable()
		if seen[id] {
			t.Fatalf("Duplicate id generated: %s", id)
		}
		seen[id] = true
		generated = append(generated, id)
	}
	if !sort.StringsAreSorted(generated) {
		t.Error("Expected monotonic ids to be sorted")
	}
}

// TestValidateRecordID covers accepted and rejected record keys.
func TestValidateRecordID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"E1", false},
		{New(), false},
		{"SPB-2024:0001", false},
		{"", true},
		{"-leading", true},
		{"has space", true},
		{"drop;table", true},
	}
	for _, tt := range tests {
		err := ValidateRecordID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateRecordID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}

// Package ids generates record and outbox identifiers.
package ids

import (
	"fmt"
	mathrand "math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// recordIDRegex accepts server-assigned keys as well as generated UUIDs.
var recordIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New generates a new UUID v4 for domain records.
func New() string {
	return uuid.New().String()
}

// NewSortable returns a lexicographically sortable identifier. Outbox items
// use it so that id order matches enqueue order within the same millisecond.
func NewSortable() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IsUUID checks if a string is a valid UUID v4.
func IsUUID(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateRecordID returns an error if s cannot be used as a record key.
func ValidateRecordID(s string) error {
	if !recordIDRegex.MatchString(s) {
		return fmt.Errorf("invalid record id: %q", s)
	}
	return nil
}

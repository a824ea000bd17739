//go:build cgo

// Build as shared library: libspbsync.so (Android) / spbsync.framework (iOS)
// with -buildmode=c-shared. Every returned string must be released with
// FreeString.

package main

/*
#cgo CFLAGS: -Wall -Wextra
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"sync"
	"unsafe"
)

var (
	core    bridge
	lastErr string
	lastMu  sync.RWMutex
)

//export Init
// Init opens the local store and starts the scheduler. configPath may be
// empty; dataDir overrides the configured data directory when set.
// Returns 0 on success, non-zero on error.
func Init(configPath, dataDir *C.char, online int32) int32 {
	if err := core.open(C.GoString(configPath), C.GoString(dataDir), online != 0); err != nil {
		setLastError(err)
		return 1
	}
	return 0
}

//export Cleanup
// Cleanup stops background work and closes the store.
func Cleanup() {
	if err := core.close(); err != nil {
		setLastError(err)
	}
}

//export GetLastError
// GetLastError returns the last error as a JSON document with errorCode,
// message and retryable fields.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = errorJSON(err)
}

// result serializes v, or records err and returns nil.
func result(v any, err error) *C.char {
	if err != nil {
		setLastError(err)
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		setLastError(err)
		return nil
	}
	return C.CString(string(data))
}

func status(err error) int32 {
	if err != nil {
		setLastError(err)
		return 1
	}
	return 0
}

// =====================================================
// Records
// =====================================================

//export SaveRecord
// SaveRecord stores a delivery_notes, data_entries or users payload and
// queues it for upload. Returns the stored record as JSON.
func SaveRecord(table, payload *C.char) *C.char {
	return result(core.save(C.GoString(table), []byte(C.GoString(payload))))
}

//export DeleteRecord
// DeleteRecord removes a record locally and queues the remote delete.
func DeleteRecord(table, id *C.char) int32 {
	svc, err := core.service()
	if err != nil {
		return status(err)
	}
	return status(svc.DeleteRecord(context.Background(), C.GoString(table), C.GoString(id)))
}

//export RecordStatus
// RecordStatus returns whether a record is synced, pending or failed.
func RecordStatus(table, id *C.char) *C.char {
	svc, err := core.service()
	if err != nil {
		return result(nil, err)
	}
	return result(svc.RecordStatus(context.Background(), C.GoString(table), C.GoString(id)))
}

// =====================================================
// Sync
// =====================================================

//export SetOnline
// SetOnline is called from the platform's network callbacks.
func SetOnline(online int32) int32 {
	return status(core.setOnline(online != 0))
}

//export SyncNow
// SyncNow runs one drain pass, scoped to one record of table when
// recordID is not empty. Blocks until the pass ends; call it off the UI
// thread.
func SyncNow(table, recordID *C.char) *C.char {
	svc, err := core.service()
	if err != nil {
		return result(nil, err)
	}
	return result(svc.SyncNow(context.Background(), C.GoString(table), C.GoString(recordID)))
}

//export RetryFailed
// RetryFailed releases one parked item, or all when id is empty. Returns
// the number released, or -1 on error.
func RetryFailed(id *C.char) int32 {
	svc, err := core.service()
	if err != nil {
		setLastError(err)
		return -1
	}
	n, err := svc.RetryFailed(context.Background(), C.GoString(id))
	if err != nil {
		setLastError(err)
		return -1
	}
	return int32(n)
}

//export QueueStats
func QueueStats() *C.char {
	svc, err := core.service()
	if err != nil {
		return result(nil, err)
	}
	return result(svc.QueueStats(context.Background()))
}

//export PollEvents
// PollEvents returns the sync, auth and connectivity events buffered
// since the previous call as a JSON array.
func PollEvents() *C.char {
	return result(core.poll(), nil)
}

// =====================================================
// Session
// =====================================================

//export Login
// Login signs in online, or offline against the stored credential when the
// API is unreachable.
func Login(username, password *C.char) *C.char {
	svc, err := core.service()
	if err != nil {
		return result(nil, err)
	}
	return result(svc.Login(context.Background(), C.GoString(username), C.GoString(password)))
}

//export Logout
func Logout() int32 {
	svc, err := core.service()
	if err != nil {
		return status(err)
	}
	return status(svc.Logout(context.Background()))
}

//export AuthState
func AuthState() *C.char {
	svc, err := core.service()
	if err != nil {
		return result(nil, err)
	}
	return result(svc.Auth().State(), nil)
}

// =====================================================
// Memory Management Helpers
// =====================================================

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

// Package main builds the spbsync core as a shared library for the mobile
// apps. The exported C functions live in ffi.go; this file holds the
// cgo-free bridge they delegate to.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/fieldops/spbsync/internal/app"
	"github.com/fieldops/spbsync/internal/config"
	"github.com/fieldops/spbsync/internal/connectivity"
	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/logging"
	"github.com/fieldops/spbsync/internal/models"
)

// maxPendingEvents bounds the events buffered between two polls; older
// events are dropped first.
const maxPendingEvents = 256

var errNotInitialized = apperrors.New(apperrors.ErrInternal, "core not initialized")

// event is one status, auth or connectivity notification.
type event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// bridge owns the service for the lifetime of the library.
type bridge struct {
	mu      sync.Mutex
	svc     *app.Service
	network *connectivity.Manual
	cancel  context.CancelFunc
	done    chan struct{}

	evMu   sync.Mutex
	events []event
}

// open loads the config, opens the service and starts background work.
// The platform drives connectivity through setOnline.
func (b *bridge) open(configPath, dataDir string, online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc != nil {
		return nil
	}

	v := viper.New()
	if dataDir != "" {
		v.Set("data_dir", dataDir)
	}
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return apperrors.Validation("load config", err)
	}

	network := connectivity.NewManual(online)
	ctx, cancel := context.WithCancel(context.Background())
	svc, err := app.Open(ctx, cfg, app.Deps{Connectivity: network, Logger: logging.Get()})
	if err != nil {
		cancel()
		return err
	}
	svc.Start(ctx)

	b.svc = svc
	b.network = network
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.collect(ctx, svc)
	return nil
}

// collect buffers service events until ctx ends.
func (b *bridge) collect(ctx context.Context, svc *app.Service) {
	defer close(b.done)
	status, stopStatus := svc.ObserveStatus()
	defer stopStatus()
	states, stopStates := svc.ObserveAuth()
	defer stopStates()
	network, stopNetwork := svc.ObserveConnectivity()
	defer stopNetwork()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			b.push("sync.status", ev)
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			b.push("auth.state", st)
		case online, ok := <-network:
			if !ok {
				network = nil
				continue
			}
			b.push("connectivity", map[string]bool{"online": online})
		}
	}
}

func (b *bridge) push(kind string, data any) {
	b.evMu.Lock()
	defer b.evMu.Unlock()
	if len(b.events) == maxPendingEvents {
		b.events = b.events[1:]
	}
	b.events = append(b.events, event{Type: kind, Data: data, Timestamp: time.Now().Unix()})
}

// poll returns and clears the buffered events.
func (b *bridge) poll() []event {
	b.evMu.Lock()
	defer b.evMu.Unlock()
	out := b.events
	b.events = nil
	if out == nil {
		out = []event{}
	}
	return out
}

func (b *bridge) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil
	}
	b.cancel()
	<-b.done
	err := b.svc.Close()
	b.network.Close()
	b.svc = nil
	return err
}

func (b *bridge) service() (*app.Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil, errNotInitialized
	}
	return b.svc, nil
}

func (b *bridge) setOnline(online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return errNotInitialized
	}
	b.network.SetOnline(online)
	return nil
}

// save decodes a payload of the given table and stores it.
func (b *bridge) save(table string, payload []byte) (any, error) {
	svc, err := b.service()
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	switch table {
	case models.TableDeliveryNotes:
		var p models.DeliveryNotePayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return svc.SaveDeliveryNote(ctx, p)
	case models.TableDataEntries:
		var p models.DataEntryPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return svc.SaveDataEntry(ctx, p)
	case models.TableUsers:
		var p models.UserPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return svc.SaveUser(ctx, p)
	default:
		return nil, apperrors.Validation("unknown table "+table, nil)
	}
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Validation("invalid payload json", err)
	}
	return nil
}

// errorJSON renders err in the remote API's error document shape so the
// UI handles local and remote errors alike.
func errorJSON(err error) string {
	body := map[string]any{
		"errorCode": string(apperrors.ErrInternal),
		"message":   err.Error(),
		"retryable": false,
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body["errorCode"] = string(appErr.Code)
		body["kind"] = string(appErr.Kind)
		body["message"] = appErr.Message
		body["retryable"] = appErr.Retryable
		if s := appErr.RetryAfterSeconds(); s > 0 {
			body["retryAfterSeconds"] = s
		}
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}

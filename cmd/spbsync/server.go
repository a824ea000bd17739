package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldops/spbsync/internal/app"
	apperrors "github.com/fieldops/spbsync/internal/errors"
	"github.com/fieldops/spbsync/internal/logging"
	"github.com/fieldops/spbsync/internal/models"
)

// maxBodyBytes bounds request bodies of the local API.
const maxBodyBytes = 1 << 20

// Server exposes the service over loopback REST and WebSocket.
type Server struct {
	svc *app.Service
	hub *WSHub
	log *logging.Logger
}

// NewServer creates a new Server.
func NewServer(svc *app.Service, hub *WSHub, log *logging.Logger) *Server {
	return &Server{svc: svc, hub: hub, log: log.With("http")}
}

// Router builds the route table. Every API route is instrumented.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	m := s.svc.Metrics()

	handle := func(path, method string, h http.HandlerFunc) {
		r.Handle(path, m.Instrument(path, h)).Methods(method)
	}

	handle("/api/health", http.MethodGet, s.health)
	handle("/api/delivery-notes", http.MethodPost, s.saveDeliveryNote)
	handle("/api/data-entries", http.MethodPost, s.saveDataEntry)
	handle("/api/users", http.MethodPost, s.saveUser)
	handle("/api/records/{table}/{id}", http.MethodDelete, s.deleteRecord)
	handle("/api/records/{table}/{id}/status", http.MethodGet, s.recordStatus)
	handle("/api/sync", http.MethodPost, s.syncNow)
	handle("/api/sync/status", http.MethodGet, s.syncStatus)
	handle("/api/sync/retry", http.MethodPost, s.retry)
	handle("/api/sync/queue", http.MethodGet, s.listQueue)
	handle("/api/auth/login", http.MethodPost, s.login)
	handle("/api/auth/logout", http.MethodPost, s.logout)
	handle("/api/auth/state", http.MethodGet, s.authState)
	handle("/api/connectivity", http.MethodPost, s.setConnectivity)

	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", HandleWebSocket(s.hub, s.snapshot))
	return r
}

// snapshot is the state sent to a WebSocket client on connect.
func (s *Server) snapshot() []WSEnvelope {
	now := time.Now().Unix()
	return []WSEnvelope{
		{Type: EventSyncStatus, Data: s.svc.Engine().Status(), Timestamp: now},
		{Type: EventAuthState, Data: s.svc.Auth().State(), Timestamp: now},
		{Type: EventConnectivity, Data: map[string]bool{"online": s.svc.Online()}, Timestamp: now},
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "spbsync",
		"online":  s.svc.Online(),
	})
}

func (s *Server) saveDeliveryNote(w http.ResponseWriter, r *http.Request) {
	var p models.DeliveryNotePayload
	if !s.decode(w, r, &p) {
		return
	}
	note, err := s.svc.SaveDeliveryNote(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, note)
}

func (s *Server) saveDataEntry(w http.ResponseWriter, r *http.Request) {
	var p models.DataEntryPayload
	if !s.decode(w, r, &p) {
		return
	}
	entry, err := s.svc.SaveDataEntry(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (s *Server) saveUser(w http.ResponseWriter, r *http.Request) {
	var p models.UserPayload
	if !s.decode(w, r, &p) {
		return
	}
	user, err := s.svc.SaveUser(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, user)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.svc.DeleteRecord(r.Context(), vars["table"], vars["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) recordStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	st, err := s.svc.RecordStatus(r.Context(), vars["table"], vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Table    string `json:"table"`
		RecordID string `json:"record_id"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	out, err := s.svc.SyncNow(r.Context(), req.Table, req.RecordID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{
		"status":    s.svc.Engine().Status(),
		"queue":     stats,
		"scheduler": s.svc.Scheduler().GetStatus(),
		"auth":      s.svc.Auth().State(),
	}
	if last := s.svc.Engine().LastOutcome(); last != nil {
		resp["last_outcome"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	n, err := s.svc.RetryFailed(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 100
	}
	status := models.QueueStatus(r.URL.Query().Get("status"))
	items, err := s.svc.Outbox().List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Logout(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (s *Server) authState(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"state": s.svc.Auth().State()}
	if sess := s.svc.Auth().Session(); sess != nil {
		resp["session"] = sess
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Online == nil {
		s.writeError(w, apperrors.Validation("online is required", nil))
		return
	}
	if !s.svc.SetOnline(*req.Online) {
		s.writeError(w, apperrors.New(apperrors.ErrValidation, "connectivity is not manually controlled"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.svc.Online()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, apperrors.Validation("invalid request body", err))
		return false
	}
	return true
}

// errorBody mirrors the remote API's error document.
type errorBody struct {
	StatusCode        int    `json:"statusCode"`
	ErrorCode         string `json:"errorCode"`
	Message           string `json:"message"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		StatusCode: http.StatusInternalServerError,
		ErrorCode:  string(apperrors.ErrInternal),
		Message:    err.Error(),
	}
	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) {
		body.ErrorCode = string(appErr.Code)
		body.Message = appErr.Message
		body.Retryable = appErr.Retryable
		body.StatusCode = statusFor(appErr)
	}
	if body.StatusCode == http.StatusTooManyRequests {
		body.RetryAfterSeconds = appErr.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	if body.StatusCode >= 500 {
		s.log.Error("Request failed", err)
	}
	writeJSON(w, body.StatusCode, body)
}

func statusFor(e *apperrors.AppError) int {
	if e.Code == apperrors.ErrNotFound {
		return http.StatusNotFound
	}
	switch e.Kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindAuth:
		return http.StatusUnauthorized
	case apperrors.KindRateLimit:
		return http.StatusTooManyRequests
	case apperrors.KindNetwork:
		return http.StatusServiceUnavailable
	case apperrors.KindServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

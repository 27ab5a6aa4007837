// Package api serves the cloud REST surface: the gateway sync
// protocol, the user command path, liveness force-checks, and the
// WebSocket attach point.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gatehaven/platform/internal/storage"
	"github.com/gatehaven/platform/internal/store"
)

// VersionHeader carries the gateway's applied snapshot version.
const VersionHeader = "X-DB-Version"

// defaultUnlockSeconds is how long an unlock without an explicit
// duration holds the gate open.
const defaultUnlockSeconds = 5

// Database is the storage surface the API reads and writes.
type Database interface {
	Ping() error
	Gateway(gatewayID string) (*storage.Gateway, error)
	UserGateways(userID string) ([]storage.Gateway, error)
	UserSnapshot(userID string) (store.Snapshot, error)
	SetGatewayVersion(gatewayID, version string) error
	TouchGateway(gatewayID string, ts time.Time, status string) error
	DeviceOwner(deviceID string) (gatewayID, userID string, err error)
	InsertCommandLog(*storage.CommandLog) error
}

// Publisher sends messages down the cloud broker.
type Publisher interface {
	Publish(topic string, payload interface{}) error
}

// SocketHub accepts authenticated WebSocket attachments.
type SocketHub interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

// LivenessChecker force-evaluates one entity on demand.
type LivenessChecker interface {
	CheckGateway(gatewayID string) (string, error)
	CheckDevice(deviceID, gatewayID string) (string, error)
}

// Config holds API server settings.
type Config struct {
	Addr        string
	TokenSecret []byte
}

// Server is the HTTP handler set.
type Server struct {
	config   Config
	db       Database
	pub      Publisher
	hub      SocketHub
	liveness LivenessChecker
	logger   *zap.SugaredLogger

	// now is swapped out by tests.
	now func() time.Time
}

// New creates the API server.
func New(config Config, db Database, pub Publisher, hub SocketHub, liveness LivenessChecker, logger *zap.SugaredLogger) *Server {
	return &Server{
		config:   config,
		db:       db,
		pub:      pub,
		hub:      hub,
		liveness: liveness,
		logger:   logger,
		now:      time.Now,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/sync/database/{gateway_id}", s.handleSyncDatabase).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/version/{gateway_id}", s.handleSyncVersion).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/heartbeat/{gateway_id}", s.handleSyncHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/notify-change", s.withUser(s.handleNotifyChange)).Methods(http.MethodPost)

	r.HandleFunc("/api/devices/{device_id}/command", s.withUser(s.handleDeviceCommand)).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{device_id}/unlock", s.withUser(s.handleUnlock)).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{device_id}/lock", s.withUser(s.handleLock)).Methods(http.MethodPost)

	// Gateway-scoped aliases for the command path.
	r.HandleFunc("/api/commands/{gateway_id}/{device_id}", s.withUser(s.handleDeviceCommand)).Methods(http.MethodPost)
	r.HandleFunc("/api/commands/{gateway_id}/{device_id}/unlock", s.withUser(s.handleUnlock)).Methods(http.MethodPost)
	r.HandleFunc("/api/commands/{gateway_id}/{device_id}/lock", s.withUser(s.handleLock)).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{device_id}/check", s.withUser(s.handleDeviceCheck)).Methods(http.MethodPost)
	r.HandleFunc("/api/gateways/{gateway_id}/check", s.withUser(s.handleGatewayCheck)).Methods(http.MethodPost)

	r.HandleFunc("/api/ws", s.handleWebSocket).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// withUser authenticates the bearer token and passes the user id on.
func (s *Server) withUser(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, ok := VerifyToken(s.config.TokenSecret, strings.TrimPrefix(auth, "Bearer "))
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded", "database": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleSyncDatabase implements the gateway pull protocol: compare the
// gateway's applied version against the authoritative snapshot hash
// and ship the full snapshot only on mismatch.
func (s *Server) handleSyncDatabase(w http.ResponseWriter, r *http.Request) {
	gatewayID := mux.Vars(r)["gateway_id"]

	gw, err := s.db.Gateway(gatewayID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown gateway")
		return
	}

	snap, err := s.db.UserSnapshot(gw.UserID)
	if err != nil {
		s.logger.Errorw("snapshot build failed", "gateway_id", gatewayID, "error", err)
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	version, err := snap.Version()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}

	reported := r.Header.Get(VersionHeader)
	if reported != "" && reported != gw.DatabaseVersion {
		if err := s.db.SetGatewayVersion(gatewayID, reported); err != nil {
			s.logger.Warnw("record gateway version failed", "gateway_id", gatewayID, "error", err)
		}
	}

	if reported == version {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"needs_update": false,
			"version":      version,
		})
		return
	}

	passwords, cards, devices := len(snap.Passwords), len(snap.RFIDCards), len(snap.Devices)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"needs_update": true,
		"version":      version,
		"database":     snap,
		"stats": map[string]int{
			"passwords":  passwords,
			"rfid_cards": cards,
			"devices":    devices,
		},
	})
	s.logger.Infow("served snapshot", "gateway_id", gatewayID, "version", version,
		"passwords", passwords, "rfid_cards", cards, "devices", devices)
}

// handleSyncVersion serves only the current version hash, for gateways
// that want a cheap staleness probe.
func (s *Server) handleSyncVersion(w http.ResponseWriter, r *http.Request) {
	gatewayID := mux.Vars(r)["gateway_id"]

	gw, err := s.db.Gateway(gatewayID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown gateway")
		return
	}
	snap, err := s.db.UserSnapshot(gw.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	version, err := snap.Version()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) handleSyncHeartbeat(w http.ResponseWriter, r *http.Request) {
	gatewayID := mux.Vars(r)["gateway_id"]
	if _, err := s.db.Gateway(gatewayID); err != nil {
		writeError(w, http.StatusNotFound, "unknown gateway")
		return
	}
	if err := s.db.TouchGateway(gatewayID, s.now(), "online"); err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat not recorded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNotifyChange pushes a sync trigger to every gateway the user
// owns, so credential edits propagate without waiting a poll cycle.
func (s *Server) handleNotifyChange(w http.ResponseWriter, _ *http.Request, userID string) {
	gateways, err := s.db.UserGateways(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gateway lookup failed")
		return
	}
	notified := 0
	for _, g := range gateways {
		topic := fmt.Sprintf("gateway/%s/sync/trigger", g.GatewayID)
		if err := s.pub.Publish(topic, map[string]string{"reason": "credential_change"}); err != nil {
			s.logger.Warnw("sync trigger publish failed", "gateway_id", g.GatewayID, "error", err)
			continue
		}
		notified++
	}
	writeJSON(w, http.StatusOK, map[string]int{"notified": notified})
}

type commandRequest struct {
	Cmd    string                 `json:"cmd"`
	Params map[string]interface{} `json:"params"`
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request, userID string) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cmd == "" {
		writeError(w, http.StatusBadRequest, "cmd required")
		return
	}
	s.dispatchCommand(w, r, userID, req)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, userID string) {
	var body struct {
		DurationS int `json:"duration_s"`
	}
	// Body is optional; the default hold time applies.
	json.NewDecoder(r.Body).Decode(&body)
	if body.DurationS <= 0 {
		body.DurationS = defaultUnlockSeconds
	}
	s.dispatchCommand(w, r, userID, commandRequest{
		Cmd:    "unlock",
		Params: map[string]interface{}{"duration_ms": body.DurationS * 1000},
	})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, userID string) {
	s.dispatchCommand(w, r, userID, commandRequest{Cmd: "lock"})
}

// dispatchCommand runs the command path: ownership check, command log
// row, publish to the gateway.
func (s *Server) dispatchCommand(w http.ResponseWriter, r *http.Request, userID string, req commandRequest) {
	deviceID := mux.Vars(r)["device_id"]

	gatewayID, ownerID, err := s.db.DeviceOwner(deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	if ownerID != userID {
		writeError(w, http.StatusForbidden, "device not owned by caller")
		return
	}
	if pathGW, ok := mux.Vars(r)["gateway_id"]; ok && pathGW != gatewayID {
		writeError(w, http.StatusNotFound, "device not on that gateway")
		return
	}

	commandID := uuid.New().String()
	now := s.now()

	params, _ := json.Marshal(req.Params)
	if err := s.db.InsertCommandLog(&storage.CommandLog{
		Time:        now,
		CommandID:   commandID,
		Source:      "rest",
		DeviceID:    deviceID,
		GatewayID:   gatewayID,
		UserID:      userID,
		CommandType: req.Cmd,
		Status:      storage.CommandStatusSent,
		Params:      params,
	}); err != nil {
		s.logger.Errorw("command log insert failed", "command_id", commandID, "error", err)
		writeError(w, http.StatusInternalServerError, "command not recorded")
		return
	}

	topic := fmt.Sprintf("gateway/%s/command/%s", gatewayID, deviceID)
	payload := map[string]interface{}{
		"command_id": commandID,
		"cmd":        req.Cmd,
		"params":     req.Params,
		"timestamp":  now.UTC().Format(time.RFC3339),
		"user_id":    userID,
	}
	if err := s.pub.Publish(topic, payload); err != nil {
		s.logger.Errorw("command publish failed", "command_id", commandID, "error", err)
		writeError(w, http.StatusBadGateway, "command not delivered")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"command_id": commandID,
		"status":     storage.CommandStatusSent,
	})
	s.logger.Infow("command dispatched", "command_id", commandID,
		"device_id", deviceID, "cmd", req.Cmd, "user_id", userID)
}

func (s *Server) handleDeviceCheck(w http.ResponseWriter, r *http.Request, userID string) {
	deviceID := mux.Vars(r)["device_id"]
	gatewayID, ownerID, err := s.db.DeviceOwner(deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if ownerID != userID {
		writeError(w, http.StatusForbidden, "device not owned by caller")
		return
	}
	status, err := s.liveness.CheckDevice(deviceID, gatewayID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "status": status})
}

func (s *Server) handleGatewayCheck(w http.ResponseWriter, r *http.Request, userID string) {
	gatewayID := mux.Vars(r)["gateway_id"]
	gw, err := s.db.Gateway(gatewayID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown gateway")
		return
	}
	if gw.UserID != userID {
		writeError(w, http.StatusForbidden, "gateway not owned by caller")
		return
	}
	status, err := s.liveness.CheckGateway(gatewayID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"gateway_id": gatewayID, "status": status})
}

// handleWebSocket authenticates via a token query parameter, since
// browser WebSocket clients cannot set headers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, ok := VerifyToken(s.config.TokenSecret, token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	s.hub.Serve(w, r, userID)
}

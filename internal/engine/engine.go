// Package engine is the gateway's event router. It drains frames from
// the LoRa link, parsed messages from the site broker, and commands
// from the cloud, applies authentication and access policy, drives the
// fan automation, and forwards the results upstream.
package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatehaven/platform/internal/protocol"
	"github.com/gatehaven/platform/internal/security"
	"github.com/gatehaven/platform/internal/store"
	"github.com/gatehaven/platform/internal/transport"
)

// LocalTransport is the site broker surface the router uses.
type LocalTransport interface {
	PublishCommand(deviceID string, payload interface{}) error
	IsConnected() bool
}

// CloudTransport is the cloud uplink surface the router uses.
type CloudTransport interface {
	Forward(deviceID, kind string, data map[string]interface{}) error
	PublishGatewayStatus(status string, uptime time.Duration, stats map[string]interface{}) error
	PublishCommandResponse(deviceID string, response map[string]interface{}) error
	IsConnected() bool
	BufferLen() int
}

// LoRaLink is the radio surface the router uses.
type LoRaLink interface {
	SendResponse(addr uint16, body string) error
	Statistics() map[string]interface{}
}

// Config holds router configuration.
type Config struct {
	GatewayID string

	// Device identities for the fixed roles on this site.
	GateDeviceID string
	TempDeviceID string
	FanDeviceID  string

	HeartbeatInterval    time.Duration
	CommandSweepInterval time.Duration
	CommandExpiry        time.Duration
	UnlockDurationMS     int
}

// DefaultConfig returns default router configuration.
func DefaultConfig() Config {
	return Config{
		GateDeviceID:         "rfid_gate_01",
		TempDeviceID:         "temp_sensor_01",
		FanDeviceID:          "fan_01",
		HeartbeatInterval:    30 * time.Second,
		CommandSweepInterval: 60 * time.Second,
		CommandExpiry:        30 * time.Second,
		UnlockDurationMS:     5000,
	}
}

type cloudCommand struct {
	deviceID string
	payload  []byte
}

type pendingCommand struct {
	deviceID string
	command  string
	userID   string
	issuedAt time.Time
}

// Engine routes events between the radio, the site broker, and the
// cloud uplink.
type Engine struct {
	config   Config
	logger   *zap.SugaredLogger
	store    *store.Store
	security *security.Manager
	local    LocalTransport
	cloud    CloudTransport
	lora     LoRaLink

	loraChan  chan *protocol.Frame
	localChan chan transport.LocalMessage
	cloudChan chan cloudCommand
	stopChan  chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	fanState string // "", "on", "off"
	pending  map[string]pendingCommand
	started  time.Time

	// now is swapped out by tests.
	now func() time.Time
}

// New creates the router. Transports are wired by the caller.
func New(config Config, st *store.Store, sec *security.Manager, local LocalTransport, cloud CloudTransport, radio LoRaLink, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		config:    config,
		logger:    logger,
		store:     st,
		security:  sec,
		local:     local,
		cloud:     cloud,
		lora:      radio,
		loraChan:  make(chan *protocol.Frame, 100),
		localChan: make(chan transport.LocalMessage, 100),
		cloudChan: make(chan cloudCommand, 100),
		stopChan:  make(chan struct{}),
		pending:   make(map[string]pendingCommand),
		now:       time.Now,
	}
}

// Start launches the router, heartbeat, and command sweep loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	e.started = e.now()
	e.mu.Unlock()

	e.wg.Add(1)
	go e.routeLoop()
	e.wg.Add(1)
	go e.heartbeatLoop()
	e.wg.Add(1)
	go e.sweepLoop()

	e.logger.Infow("engine started", "gateway_id", e.config.GatewayID)
	return nil
}

// Stop terminates the loops, publishes a final offline heartbeat, and
// persists the credential store.
func (e *Engine) Stop() error {
	close(e.stopChan)
	e.wg.Wait()

	if err := e.cloud.PublishGatewayStatus("offline", e.uptime(), e.stats()); err != nil {
		e.logger.Warnw("final offline status failed", "error", err)
	}
	if err := e.store.SaveAll(); err != nil {
		return fmt.Errorf("persist store on shutdown: %w", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// HandleFrame queues a LoRa frame for routing. Called from the radio
// driver's receive loop.
func (e *Engine) HandleFrame(f *protocol.Frame) {
	select {
	case e.loraChan <- f:
	default:
		e.logger.Warn("lora queue full, dropping frame")
	}
}

// HandleLocalMessage queues a site broker message for routing.
func (e *Engine) HandleLocalMessage(msg transport.LocalMessage) {
	select {
	case e.localChan <- msg:
	default:
		e.logger.Warnw("local queue full, dropping message", "device_id", msg.DeviceID)
	}
}

// HandleCloudCommand queues a remote command for routing.
func (e *Engine) HandleCloudCommand(deviceID string, payload []byte) {
	select {
	case e.cloudChan <- cloudCommand{deviceID: deviceID, payload: payload}:
	default:
		e.logger.Warnw("command queue full, dropping command", "device_id", deviceID)
	}
}

func (e *Engine) routeLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopChan:
			return
		case f := <-e.loraChan:
			e.processFrame(f)
		case msg := <-e.localChan:
			e.processLocal(msg)
		case cmd := <-e.cloudChan:
			e.processCloudCommand(cmd)
		}
	}
}

// deviceIDFor maps a frame's device type to the site device identity.
func (e *Engine) deviceIDFor(f *protocol.Frame) string {
	switch f.DeviceType {
	case protocol.DeviceTypeRFIDGate:
		return e.config.GateDeviceID
	case protocol.DeviceTypeTempSensor:
		return e.config.TempDeviceID
	default:
		return f.DeviceTypeString()
	}
}

func (e *Engine) processFrame(f *protocol.Frame) {
	deviceID := e.deviceIDFor(f)
	e.store.TouchDevice(deviceID)

	switch f.MsgType {
	case protocol.MsgTypeRFIDScan:
		e.handleRFIDScan(deviceID, f)

	case protocol.MsgTypeGateStatus, protocol.MsgTypeDoorStatus, protocol.MsgTypeSystemStatus:
		word := protocol.DecodeStatusWord(f.Payload)
		e.forward(deviceID, transport.ForwardStatus, map[string]interface{}{
			"status":   word.Status,
			"msg_type": f.MsgTypeString(),
		})

	case protocol.MsgTypeTempUpdate, protocol.MsgTypeMotion, protocol.MsgTypeRelayControl, protocol.MsgTypePasskey:
		e.forward(deviceID, transport.ForwardTelemetry, map[string]interface{}{
			"msg_type": f.MsgTypeString(),
			"value":    f.PayloadValue(),
		})

	default:
		e.logger.Warnw("unroutable frame", "msg_type", f.MsgType, "device_id", deviceID)
	}
}

// handleRFIDScan runs the access decision for a card scan. The radio
// link has no HMAC layer; lockout and card policy still apply.
func (e *Engine) handleRFIDScan(deviceID string, f *protocol.Frame) {
	addr := uint16(f.DeviceType)

	scan, err := protocol.DecodeRFIDScan(f.Payload)
	if err != nil {
		e.logger.Warnw("bad rfid payload", "device_id", deviceID, "error", err)
		return
	}
	uid := scan.UID

	if e.security.IsLockedOut(deviceID) {
		e.denyRFID(deviceID, addr, uid, security.ReasonLockedOut, false)
		return
	}

	if !e.store.AuthenticateCard(uid) {
		e.denyRFID(deviceID, addr, uid, security.ReasonInvalidCard, true)
		return
	}
	if allowed, reason := e.store.CheckAccessRules(store.MethodRFID, uid); !allowed {
		e.denyRFID(deviceID, addr, uid, reason, true)
		return
	}

	if err := e.lora.SendResponse(addr, protocol.ResponseGrant); err != nil {
		e.logger.Errorw("grant reply failed", "device_id", deviceID, "error", err)
	}
	e.security.RecordSuccess(deviceID)
	e.store.MarkCardUsed(uid)
	e.store.SetLastAccess(store.LastAccess{
		Method:    store.MethodRFID,
		CardUID:   uid,
		Timestamp: e.now().Format(time.RFC3339),
	})
	e.logAccess(deviceID, store.MethodRFID, "granted", uid, "")
	e.forward(deviceID, transport.ForwardAccess, map[string]interface{}{
		"method":   store.MethodRFID,
		"result":   "granted",
		"rfid_uid": uid,
	})
	e.logger.Infow("rfid access granted", "device_id", deviceID, "uid", uid)
}

func (e *Engine) denyRFID(deviceID string, addr uint16, uid, reason string, recordFailure bool) {
	if err := e.lora.SendResponse(addr, protocol.ResponseDeny); err != nil {
		e.logger.Errorw("deny reply failed", "device_id", deviceID, "error", err)
	}
	if recordFailure {
		if e.security.RecordFailedAttempt(deviceID) {
			e.alert(deviceID, "lockout_triggered", map[string]interface{}{"reason": reason})
		}
	}
	e.logAccess(deviceID, store.MethodRFID, "denied", uid, reason)
	e.forward(deviceID, transport.ForwardAccess, map[string]interface{}{
		"method":   store.MethodRFID,
		"result":   "denied",
		"rfid_uid": uid,
		"reason":   reason,
	})
	e.logger.Infow("rfid access denied", "device_id", deviceID, "uid", uid, "reason", reason)
}

func (e *Engine) processLocal(msg transport.LocalMessage) {
	e.store.TouchDevice(msg.DeviceID)

	switch msg.Kind {
	case transport.LocalKindTelemetry:
		e.processTelemetry(msg)
	case transport.LocalKindRequest:
		e.processRequest(msg)
	case transport.LocalKindStatus:
		e.processStatus(msg)
	}
}

func (e *Engine) processTelemetry(msg transport.LocalMessage) {
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		e.logger.Warnw("bad telemetry payload", "device_id", msg.DeviceID, "error", err)
		return
	}

	if msg.DeviceID == e.config.TempDeviceID {
		if data, ok := payload["data"].(map[string]interface{}); ok {
			if temp, ok := data["temperature"].(float64); ok {
				e.runAutomation(temp)
			}
		}
	}

	e.forward(msg.DeviceID, transport.ForwardTelemetry, payload)
}

// runAutomation applies the temperature-driven fan control. Only the
// threshold crossing acts; repeated readings on the same side are
// no-ops.
func (e *Engine) runAutomation(temp float64) {
	cfg := e.store.AutomationConfig()
	if !cfg.AutoFanEnabled {
		return
	}

	e.mu.Lock()
	state := e.fanState
	e.mu.Unlock()

	var action string
	switch {
	case temp >= cfg.TempThreshold && state != "on":
		action = "fan_on"
	case temp < cfg.TempThreshold && state == "on":
		action = "fan_off"
	default:
		return
	}

	cmd := map[string]interface{}{
		"cmd":         action,
		"user":        "automation_engine",
		"trigger":     "temperature_threshold",
		"temperature": temp,
		"threshold":   cfg.TempThreshold,
	}
	if err := e.local.PublishCommand(e.config.FanDeviceID, cmd); err != nil {
		e.logger.Errorw("automation command failed", "action", action, "error", err)
		return
	}

	e.mu.Lock()
	if action == "fan_on" {
		e.fanState = "on"
	} else {
		e.fanState = "off"
	}
	e.mu.Unlock()

	e.alert(e.config.FanDeviceID, "automation_trigger", map[string]interface{}{
		"action":      action,
		"temperature": temp,
		"threshold":   cfg.TempThreshold,
	})
	e.logger.Infow("fan automation triggered", "action", action, "temperature", temp, "threshold", cfg.TempThreshold)
}

func (e *Engine) processStatus(msg transport.LocalMessage) {
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		e.logger.Warnw("bad status payload", "device_id", msg.DeviceID, "error", err)
		return
	}

	if msg.DeviceID == e.config.FanDeviceID {
		if state, ok := payload["state"].(string); ok {
			e.mu.Lock()
			e.fanState = state
			e.mu.Unlock()
		}
	}

	e.forward(msg.DeviceID, transport.ForwardStatus, payload)

	if commandID, ok := payload["command_id"].(string); ok && commandID != "" {
		e.completeCommand(commandID, msg.DeviceID, payload)
	}
}

func (e *Engine) processCloudCommand(cmd cloudCommand) {
	var req struct {
		CommandID string                 `json:"command_id"`
		Cmd       string                 `json:"cmd"`
		Params    map[string]interface{} `json:"params"`
		UserID    string                 `json:"user_id"`
	}
	if err := json.Unmarshal(cmd.payload, &req); err != nil {
		e.logger.Warnw("bad cloud command", "device_id", cmd.deviceID, "error", err)
		return
	}

	device, known := e.store.Device(cmd.deviceID)
	if !known {
		e.respondCommand(cmd.deviceID, req.CommandID, "failed", "unknown_device")
		return
	}
	if device.Status != "online" {
		e.respondCommand(cmd.deviceID, req.CommandID, "failed", "device_offline")
		return
	}

	e.mu.Lock()
	e.pending[req.CommandID] = pendingCommand{
		deviceID: cmd.deviceID,
		command:  req.Cmd,
		userID:   req.UserID,
		issuedAt: e.now(),
	}
	e.mu.Unlock()

	var err error
	if device.DeviceType == "rfid_gate" {
		err = e.deliverGateCommand(req.CommandID, req.Cmd, req.UserID, req.Params)
	} else {
		payload := map[string]interface{}{
			"command_id": req.CommandID,
			"cmd":        req.Cmd,
			"user_id":    req.UserID,
		}
		for k, v := range req.Params {
			payload[k] = v
		}
		err = e.local.PublishCommand(cmd.deviceID, payload)
	}
	if err != nil {
		e.logger.Errorw("command delivery failed", "command_id", req.CommandID, "error", err)
		e.mu.Lock()
		delete(e.pending, req.CommandID)
		e.mu.Unlock()
		e.respondCommand(cmd.deviceID, req.CommandID, "failed", err.Error())
		return
	}

	e.logAccess(cmd.deviceID, store.MethodRemoteControl, "sent", req.UserID, req.Cmd)
	e.respondCommand(cmd.deviceID, req.CommandID, "sent", "")
	e.logger.Infow("cloud command delivered", "command_id", req.CommandID, "device_id", cmd.deviceID, "cmd", req.Cmd)
}

// deliverGateCommand translates a remote command to the gate's radio
// string protocol.
func (e *Engine) deliverGateCommand(commandID, cmd, userID string, params map[string]interface{}) error {
	switch cmd {
	case "unlock":
		duration := e.config.UnlockDurationMS
		if v, ok := params["duration_ms"].(float64); ok && v > 0 {
			duration = int(v)
		}
		body := protocol.RemoteUnlockBody(commandID, userID, duration)
		return e.lora.SendResponse(uint16(protocol.DeviceTypeRFIDGate), body)
	case "lock":
		return e.lora.SendResponse(uint16(protocol.DeviceTypeRFIDGate), protocol.ResponseDeny)
	default:
		return fmt.Errorf("unsupported gate command %q", cmd)
	}
}

func (e *Engine) completeCommand(commandID, deviceID string, result map[string]interface{}) {
	e.mu.Lock()
	_, ok := e.pending[commandID]
	if ok {
		delete(e.pending, commandID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if err := e.cloud.PublishCommandResponse(deviceID, map[string]interface{}{
		"command_id": commandID,
		"device_id":  deviceID,
		"status":     "completed",
		"result":     result,
		"timestamp":  e.now().UTC().Format(time.RFC3339),
	}); err != nil {
		e.logger.Warnw("command response failed", "command_id", commandID, "error", err)
	}
	e.logger.Infow("command completed", "command_id", commandID, "device_id", deviceID)
}

func (e *Engine) respondCommand(deviceID, commandID, status, reason string) {
	resp := map[string]interface{}{
		"command_id": commandID,
		"device_id":  deviceID,
		"status":     status,
		"timestamp":  e.now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		resp["reason"] = reason
	}
	if err := e.cloud.PublishCommandResponse(deviceID, resp); err != nil {
		e.logger.Warnw("command response failed", "command_id", commandID, "error", err)
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.CommandSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.sweepPendingCommands()
		}
	}
}

// sweepPendingCommands expires commands that never got a device ack.
func (e *Engine) sweepPendingCommands() {
	cutoff := e.now().Add(-e.config.CommandExpiry)

	e.mu.Lock()
	var expired []string
	for id, cmd := range e.pending {
		if cmd.issuedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	byID := make(map[string]pendingCommand, len(expired))
	for _, id := range expired {
		byID[id] = e.pending[id]
		delete(e.pending, id)
	}
	e.mu.Unlock()

	for _, id := range expired {
		cmd := byID[id]
		e.respondCommand(cmd.deviceID, id, "expired", "command_expired")
		e.store.AddLog(store.LogEntry{
			"type":       "command_expired",
			"command_id": id,
			"device_id":  cmd.deviceID,
			"command":    cmd.command,
			"timestamp":  e.now().Format(time.RFC3339),
		})
		e.logger.Warnw("command expired without ack", "command_id", id, "device_id", cmd.deviceID)
	}
}

func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()

	e.publishHeartbeat()
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.publishHeartbeat()
		}
	}
}

func (e *Engine) publishHeartbeat() {
	if err := e.cloud.PublishGatewayStatus("online", e.uptime(), e.stats()); err != nil {
		e.logger.Warnw("heartbeat publish failed", "error", err)
	}
}

func (e *Engine) uptime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started.IsZero() {
		return 0
	}
	return e.now().Sub(e.started)
}

func (e *Engine) stats() map[string]interface{} {
	radio := e.lora.Statistics()
	return map[string]interface{}{
		"messages_received": radio["messages_received"],
		"messages_sent":     radio["messages_sent"],
		"messages_buffered": e.cloud.BufferLen(),
		"local_connected":   e.local.IsConnected(),
		"vps_connected":     e.cloud.IsConnected(),
	}
}

func (e *Engine) forward(deviceID, kind string, data map[string]interface{}) {
	if err := e.cloud.Forward(deviceID, kind, data); err != nil {
		e.logger.Warnw("cloud forward failed", "device_id", deviceID, "kind", kind, "error", err)
	}
}

func (e *Engine) alert(deviceID, alertType string, detail map[string]interface{}) {
	data := map[string]interface{}{"alert_type": alertType}
	for k, v := range detail {
		data[k] = v
	}
	e.forward(deviceID, transport.ForwardAlert, data)
}

func (e *Engine) logAccess(deviceID, method, result, userID, reason string) {
	entry := store.LogEntry{
		"type":      "access",
		"device_id": deviceID,
		"method":    method,
		"result":    result,
		"timestamp": e.now().Format(time.RFC3339),
	}
	if userID != "" {
		entry["user"] = userID
	}
	if reason != "" {
		entry["reason"] = reason
	}
	e.store.AddLog(entry)
}

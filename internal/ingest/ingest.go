// Package ingest consumes the gateway uplink topics and normalizes
// heterogeneous payloads into the relational schema, keeping device
// and gateway liveness columns current and feeding the real-time
// fan-out.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/gatehaven/platform/internal/alerts"
	"github.com/gatehaven/platform/internal/storage"
	"github.com/gatehaven/platform/internal/ws"
)

// Database is the storage surface ingest writes through.
type Database interface {
	InsertTelemetry(*storage.TelemetrySample) error
	TouchDevice(deviceID, gatewayID string, ts time.Time, status string) error
	TouchGateway(gatewayID string, ts time.Time, status string) error
	UpdateDeviceStatus(deviceID, gatewayID, status string, ts time.Time) (string, error)
	InsertAccessLog(*storage.AccessLog) error
	MarkPasswordUsed(passwordID string, ts time.Time) error
	MarkCardUsed(uid string, ts time.Time) error
	InsertSystemLog(*storage.SystemLog) error
	CompleteCommand(commandID, status string, result []byte, ts time.Time) error
	GatewayUser(gatewayID string) (string, error)
}

// Broadcaster is the real-time fan-out surface.
type Broadcaster interface {
	Broadcast(userID string, payload map[string]interface{})
}

// Config holds broker settings for the ingest subscriber.
type Config struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	// DriftTolerance bounds how far a device-reported timestamp may
	// deviate from the server clock before being replaced.
	DriftTolerance time.Duration

	ConnectTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Port:           1883,
		ClientID:       "cloud-ingest",
		DriftTolerance: 300 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Ingest is the topic-dispatched message handler.
type Ingest struct {
	config Config
	db     Database
	hub    Broadcaster
	alerts *alerts.Evaluator
	logger *zap.SugaredLogger
	client mqtt.Client

	// newClient is swapped out by tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	// now is swapped out by tests.
	now func() time.Time
}

// New creates the ingest pipeline.
func New(config Config, db Database, hub Broadcaster, evaluator *alerts.Evaluator, logger *zap.SugaredLogger) *Ingest {
	return &Ingest{
		config:    config,
		db:        db,
		hub:       hub,
		alerts:    evaluator,
		logger:    logger,
		newClient: mqtt.NewClient,
		now:       time.Now,
	}
}

// Start connects to the broker and subscribes the uplink topics.
func (in *Ingest) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", in.config.Host, in.config.Port))
	opts.SetClientID(in.config.ClientID)
	opts.SetUsername(in.config.Username)
	opts.SetPassword(in.config.Password)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		in.logger.Infow("ingest broker connected", "host", in.config.Host)
		in.subscribe(client)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		in.logger.Warnw("ingest broker connection lost", "error", err)
	})

	in.client = in.newClient(opts)
	token := in.client.Connect()
	if !token.WaitTimeout(in.config.ConnectTimeout) {
		return fmt.Errorf("ingest broker connect timeout")
	}
	return token.Error()
}

// Stop closes the broker connection.
func (in *Ingest) Stop() {
	if in.client != nil {
		in.client.Disconnect(250)
	}
}

// Publish sends a downlink message through the ingest broker
// connection. The REST layer uses this for command and sync-trigger
// delivery to gateways.
func (in *Ingest) Publish(topic string, payload interface{}) error {
	if in.client == nil || !in.client.IsConnected() {
		return errors.New("broker not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal downlink payload: %w", err)
	}
	token := in.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(in.config.ConnectTimeout) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	return token.Error()
}

func (in *Ingest) subscribe(client mqtt.Client) {
	filters := []string{
		"gateway/+/telemetry/+",
		"gateway/+/access/+",
		"gateway/+/status/+",
		"gateway/+/alert/+",
		"gateway/command/response/+",
	}
	for _, filter := range filters {
		token := client.Subscribe(filter, 1, in.handleMessage)
		if !token.WaitTimeout(in.config.ConnectTimeout) || token.Error() != nil {
			in.logger.Errorw("ingest subscribe failed", "filter", filter, "error", token.Error())
		}
	}
}

func (in *Ingest) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	in.Dispatch(msg.Topic(), msg.Payload())
}

// Dispatch routes one uplink message by topic. A handler failure is
// logged and never propagates into the client's receive thread.
func (in *Ingest) Dispatch(topic string, payload []byte) {
	parts := strings.Split(topic, "/")

	if len(parts) == 4 && parts[0] == "gateway" && parts[1] == "command" && parts[2] == "response" {
		in.handleCommandResponse(parts[3], payload)
		return
	}
	if len(parts) != 4 || parts[0] != "gateway" {
		in.logger.Debugw("ignoring message on unexpected topic", "topic", topic)
		return
	}

	gatewayID, kind, entity := parts[1], parts[2], parts[3]
	switch kind {
	case "telemetry":
		in.handleTelemetry(gatewayID, entity, payload)
	case "access":
		in.handleAccess(gatewayID, entity, payload)
	case "status":
		if entity == "gateway" {
			in.handleGatewayStatus(gatewayID, payload)
		} else {
			in.handleDeviceStatus(gatewayID, entity, payload)
		}
	case "alert":
		in.handleAlert(gatewayID, entity, payload)
	default:
		in.logger.Debugw("ignoring message on unexpected topic", "topic", topic)
	}
}

// envelope is the gateway's uplink wrapper.
type envelope struct {
	GatewayID string                 `json:"gateway_id"`
	DeviceID  string                 `json:"device_id"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
	Flushed   bool                   `json:"_flushed"`
}

// eventTime returns the device-reported timestamp, substituting the
// server clock when the drift is out of tolerance.
func (in *Ingest) eventTime(reported string) time.Time {
	now := in.now()
	if reported == "" {
		return now
	}
	ts, err := time.Parse(time.RFC3339, reported)
	if err != nil {
		in.logger.Debugw("unparseable event timestamp", "timestamp", reported)
		return now
	}
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > in.config.DriftTolerance {
		in.logger.Debugw("event timestamp drift out of tolerance",
			"reported", reported, "drift", drift)
		return now
	}
	return ts
}

func (in *Ingest) handleTelemetry(gatewayID, deviceID string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		in.logger.Warnw("bad telemetry payload", "gateway_id", gatewayID, "error", err)
		return
	}
	ts := in.eventTime(env.Timestamp)

	sample := &storage.TelemetrySample{
		Time:      ts,
		DeviceID:  deviceID,
		GatewayID: gatewayID,
	}
	if v, ok := env.Data["temperature"].(float64); ok {
		sample.Temperature = &v
	}
	if v, ok := env.Data["humidity"].(float64); ok {
		sample.Humidity = &v
	}
	if meta, err := json.Marshal(env.Data); err == nil {
		sample.Metadata = meta
	}

	if err := in.db.InsertTelemetry(sample); err != nil {
		if errors.Is(err, storage.ErrUnknownDevice) {
			in.logger.Debugw("telemetry from unregistered device",
				"gateway_id", gatewayID, "device_id", deviceID)
			return
		}
		// Retry once inline; persistent failure drops the sample.
		if err := in.db.InsertTelemetry(sample); err != nil {
			in.logger.Errorw("telemetry insert failed", "device_id", deviceID, "error", err)
			return
		}
	}

	if err := in.db.TouchDevice(deviceID, gatewayID, ts, "online"); err != nil {
		in.logger.Warnw("touch device failed", "device_id", deviceID, "error", err)
	}
	if err := in.db.TouchGateway(gatewayID, ts, "online"); err != nil {
		in.logger.Warnw("touch gateway failed", "gateway_id", gatewayID, "error", err)
	}

	userID, err := in.db.GatewayUser(gatewayID)
	if err != nil {
		in.logger.Warnw("gateway owner lookup failed", "gateway_id", gatewayID, "error", err)
		return
	}

	in.evaluateAlerts(gatewayID, deviceID, userID, sample, ts)

	in.hub.Broadcast(userID, map[string]interface{}{
		"type":       ws.TypeTelemetry,
		"device_id":  deviceID,
		"gateway_id": gatewayID,
		"data":       env.Data,
		"flushed":    env.Flushed,
		"timestamp":  ts.UTC().Format(time.RFC3339),
	})
}

func (in *Ingest) evaluateAlerts(gatewayID, deviceID, userID string, sample *storage.TelemetrySample, ts time.Time) {
	for _, a := range in.alerts.Evaluate(deviceID, sample.Temperature, sample.Humidity) {
		value := a.Value
		threshold := a.Threshold
		entry := &storage.SystemLog{
			Time:      ts,
			GatewayID: gatewayID,
			DeviceID:  deviceID,
			UserID:    userID,
			LogType:   "alert",
			Event:     a.Category,
			Severity:  a.Severity,
			Message:   a.Message,
			Value:     &value,
			Threshold: &threshold,
		}
		if err := in.db.InsertSystemLog(entry); err != nil {
			in.logger.Errorw("alert log insert failed", "device_id", deviceID, "error", err)
		}
		in.hub.Broadcast(userID, map[string]interface{}{
			"type":      ws.TypeAlert,
			"device_id": deviceID,
			"category":  a.Category,
			"severity":  a.Severity,
			"message":   a.Message,
			"value":     a.Value,
			"threshold": a.Threshold,
		})
	}
}

func (in *Ingest) handleAccess(gatewayID, deviceID string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		in.logger.Warnw("bad access payload", "gateway_id", gatewayID, "error", err)
		return
	}
	ts := in.eventTime(env.Timestamp)

	userID, err := in.db.GatewayUser(gatewayID)
	if err != nil {
		in.logger.Warnw("gateway owner lookup failed", "gateway_id", gatewayID, "error", err)
		return
	}

	str := func(key string) string {
		v, _ := env.Data[key].(string)
		return v
	}
	entry := &storage.AccessLog{
		Time:       ts,
		DeviceID:   deviceID,
		GatewayID:  gatewayID,
		UserID:     userID,
		Method:     str("method"),
		Result:     str("result"),
		PasswordID: str("user"),
		RFIDUID:    str("rfid_uid"),
		DenyReason: str("reason"),
	}
	if meta, err := json.Marshal(env.Data); err == nil {
		entry.Metadata = meta
	}
	if err := in.db.InsertAccessLog(entry); err != nil {
		in.logger.Errorw("access log insert failed", "device_id", deviceID, "error", err)
		return
	}

	if entry.Result == "granted" {
		switch entry.Method {
		case "passkey":
			if entry.PasswordID != "" {
				if err := in.db.MarkPasswordUsed(entry.PasswordID, ts); err != nil {
					in.logger.Warnw("mark password used failed", "password_id", entry.PasswordID, "error", err)
				}
			}
		case "rfid":
			if entry.RFIDUID != "" {
				if err := in.db.MarkCardUsed(entry.RFIDUID, ts); err != nil {
					in.logger.Warnw("mark card used failed", "uid", entry.RFIDUID, "error", err)
				}
			}
		}
	}

	in.hub.Broadcast(userID, map[string]interface{}{
		"type":      ws.TypeAccessEvent,
		"device_id": deviceID,
		"method":    entry.Method,
		"result":    entry.Result,
		"reason":    entry.DenyReason,
		"timestamp": ts.UTC().Format(time.RFC3339),
	})
}

// NormalizeStatus maps vendor state words onto the online/offline
// model. Unknown words count as online; the liveness detector will
// correct a silent device later.
func NormalizeStatus(word string) (status string, known bool) {
	switch strings.ToLower(word) {
	case "on", "online", "locked", "unlocked", "opened", "closed", "active", "ready", "alive":
		return "online", true
	case "off", "offline", "error", "disconnected":
		return "offline", true
	default:
		return "online", false
	}
}

func (in *Ingest) handleDeviceStatus(gatewayID, deviceID string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		in.logger.Warnw("bad status payload", "gateway_id", gatewayID, "error", err)
		return
	}
	ts := in.eventTime(env.Timestamp)

	word, _ := env.Data["status"].(string)
	if word == "" {
		word, _ = env.Data["state"].(string)
	}
	status, known := NormalizeStatus(word)
	if !known {
		in.logger.Debugw("unknown device state treated as online",
			"device_id", deviceID, "state", word)
	}

	previous, err := in.db.UpdateDeviceStatus(deviceID, gatewayID, status, ts)
	if err != nil {
		if errors.Is(err, storage.ErrUnknownDevice) {
			in.logger.Debugw("status from unregistered device",
				"gateway_id", gatewayID, "device_id", deviceID)
			return
		}
		in.logger.Errorw("device status update failed", "device_id", deviceID, "error", err)
		return
	}
	if err := in.db.TouchGateway(gatewayID, ts, "online"); err != nil {
		in.logger.Warnw("touch gateway failed", "gateway_id", gatewayID, "error", err)
	}

	if previous == status {
		return
	}

	userID, err := in.db.GatewayUser(gatewayID)
	if err != nil {
		in.logger.Warnw("gateway owner lookup failed", "gateway_id", gatewayID, "error", err)
		return
	}
	if err := in.db.InsertSystemLog(&storage.SystemLog{
		Time:      ts,
		GatewayID: gatewayID,
		DeviceID:  deviceID,
		UserID:    userID,
		LogType:   "device_status_change",
		Event:     status,
		Severity:  storage.SeverityInfo,
		Message:   fmt.Sprintf("device %s: %s -> %s", deviceID, previous, status),
	}); err != nil {
		in.logger.Errorw("status change log failed", "device_id", deviceID, "error", err)
	}
	in.hub.Broadcast(userID, map[string]interface{}{
		"type":      ws.TypeDeviceStatus,
		"device_id": deviceID,
		"status":    status,
		"previous":  previous,
		"raw_state": word,
		"timestamp": ts.UTC().Format(time.RFC3339),
	})
}

// gatewayStatus is the retained heartbeat payload.
type gatewayStatus struct {
	GatewayID     string                 `json:"gateway_id"`
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Stats         map[string]interface{} `json:"stats"`
	Timestamp     string                 `json:"timestamp"`
}

func (in *Ingest) handleGatewayStatus(gatewayID string, payload []byte) {
	var hb gatewayStatus
	if err := json.Unmarshal(payload, &hb); err != nil {
		in.logger.Warnw("bad gateway heartbeat", "gateway_id", gatewayID, "error", err)
		return
	}
	ts := in.eventTime(hb.Timestamp)

	status, _ := NormalizeStatus(hb.Status)
	if err := in.db.TouchGateway(gatewayID, ts, status); err != nil {
		in.logger.Errorw("gateway heartbeat update failed", "gateway_id", gatewayID, "error", err)
	}
}

func (in *Ingest) handleAlert(gatewayID, deviceID string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		in.logger.Warnw("bad alert payload", "gateway_id", gatewayID, "error", err)
		return
	}
	ts := in.eventTime(env.Timestamp)

	userID, err := in.db.GatewayUser(gatewayID)
	if err != nil {
		in.logger.Warnw("gateway owner lookup failed", "gateway_id", gatewayID, "error", err)
		return
	}

	alertType, _ := env.Data["alert_type"].(string)
	entry := &storage.SystemLog{
		Time:      ts,
		GatewayID: gatewayID,
		DeviceID:  deviceID,
		UserID:    userID,
		LogType:   "gateway_alert",
		Event:     alertType,
		Severity:  storage.SeverityWarning,
	}
	if meta, err := json.Marshal(env.Data); err == nil {
		entry.Metadata = meta
	}
	if err := in.db.InsertSystemLog(entry); err != nil {
		in.logger.Errorw("alert log insert failed", "device_id", deviceID, "error", err)
	}

	in.hub.Broadcast(userID, map[string]interface{}{
		"type":      ws.TypeAlert,
		"device_id": deviceID,
		"category":  alertType,
		"severity":  storage.SeverityWarning,
		"data":      env.Data,
		"timestamp": ts.UTC().Format(time.RFC3339),
	})
}

// commandResponse is the gateway's command outcome message.
type commandResponse struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

func (in *Ingest) handleCommandResponse(deviceID string, payload []byte) {
	var resp commandResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		in.logger.Warnw("bad command response", "device_id", deviceID, "error", err)
		return
	}
	if resp.CommandID == "" {
		return
	}

	var status string
	switch resp.Status {
	case "completed":
		status = storage.CommandStatusCompleted
	case "expired":
		status = storage.CommandStatusExpired
	case "failed":
		status = storage.CommandStatusFailed
	default:
		// The initial "sent" echo matches the row already written by
		// the command endpoint.
		return
	}

	ts := in.eventTime(resp.Timestamp)
	if err := in.db.CompleteCommand(resp.CommandID, status, payload, ts); err != nil {
		in.logger.Errorw("command completion failed", "command_id", resp.CommandID, "error", err)
	}
	in.logger.Infow("command resolved", "command_id", resp.CommandID, "status", status)
}

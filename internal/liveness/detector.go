// Package liveness derives online/offline state from last_seen
// columns. Gateways are swept before devices so a dead gateway's
// cascade lands ahead of the standalone device pass.
package liveness

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatehaven/platform/internal/storage"
	"github.com/gatehaven/platform/internal/ws"
)

// Database is the storage surface the detector sweeps.
type Database interface {
	SweepGateways(timeout time.Duration, now time.Time) ([]storage.Gateway, error)
	CascadeOffline(gatewayID string) ([]storage.Device, error)
	SweepDevices(timeout time.Duration, now time.Time) ([]storage.Device, error)
	InsertSystemLog(*storage.SystemLog) error
	GatewayUser(gatewayID string) (string, error)
	Gateway(gatewayID string) (*storage.Gateway, error)
	GatewayDevice(deviceID, gatewayID string) (*storage.Device, error)
	UpdateDeviceStatus(deviceID, gatewayID, status string, ts time.Time) (string, error)
	TouchGateway(gatewayID string, ts time.Time, status string) error
}

// Broadcaster is the real-time fan-out surface.
type Broadcaster interface {
	Broadcast(userID string, payload map[string]interface{})
}

// Config holds the sweep timing.
type Config struct {
	CheckInterval  time.Duration
	DeviceTimeout  time.Duration
	GatewayTimeout time.Duration
}

// DefaultConfig returns timeouts of roughly three heartbeat intervals.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  10 * time.Second,
		DeviceTimeout:  90 * time.Second,
		GatewayTimeout: 90 * time.Second,
	}
}

// Detector runs the periodic offline sweep.
type Detector struct {
	config Config
	db     Database
	hub    Broadcaster
	logger *zap.SugaredLogger

	stopChan chan struct{}
	wg       sync.WaitGroup

	// now is swapped out by tests.
	now func() time.Time
}

// New creates a detector.
func New(config Config, db Database, hub Broadcaster, logger *zap.SugaredLogger) *Detector {
	return &Detector{
		config:   config,
		db:       db,
		hub:      hub,
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the sweep loop.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop terminates the sweep loop.
func (d *Detector) Stop() {
	close(d.stopChan)
	d.wg.Wait()
}

func (d *Detector) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick runs one full sweep: gateways first, their cascades, then the
// standalone device pass.
func (d *Detector) Tick() {
	now := d.now()

	gateways, err := d.db.SweepGateways(d.config.GatewayTimeout, now)
	if err != nil {
		d.logger.Errorw("gateway sweep failed", "error", err)
	}
	for i := range gateways {
		d.gatewayOffline(&gateways[i], now)
	}

	devices, err := d.db.SweepDevices(d.config.DeviceTimeout, now)
	if err != nil {
		d.logger.Errorw("device sweep failed", "error", err)
		return
	}
	for i := range devices {
		d.deviceOffline(&devices[i], "timeout", now)
	}
}

func (d *Detector) gatewayOffline(g *storage.Gateway, now time.Time) {
	d.logger.Warnw("gateway offline", "gateway_id", g.GatewayID)

	if err := d.db.InsertSystemLog(&storage.SystemLog{
		Time:      now,
		GatewayID: g.GatewayID,
		UserID:    g.UserID,
		LogType:   "gateway_offline",
		Event:     "offline",
		Severity:  storage.SeverityWarning,
		Message:   fmt.Sprintf("gateway %s missed its heartbeat window", g.GatewayID),
	}); err != nil {
		d.logger.Errorw("gateway offline log failed", "gateway_id", g.GatewayID, "error", err)
	}
	d.hub.Broadcast(g.UserID, map[string]interface{}{
		"type":       ws.TypeDeviceStatus,
		"gateway_id": g.GatewayID,
		"status":     "offline",
		"entity":     "gateway",
	})

	cascaded, err := d.db.CascadeOffline(g.GatewayID)
	if err != nil {
		d.logger.Errorw("cascade failed", "gateway_id", g.GatewayID, "error", err)
		return
	}
	for i := range cascaded {
		d.deviceOffline(&cascaded[i], "gateway_offline", now)
	}
}

func (d *Detector) deviceOffline(dev *storage.Device, reason string, now time.Time) {
	userID, err := d.db.GatewayUser(dev.GatewayID)
	if err != nil {
		d.logger.Warnw("gateway owner lookup failed", "gateway_id", dev.GatewayID, "error", err)
	}

	if err := d.db.InsertSystemLog(&storage.SystemLog{
		Time:      now,
		GatewayID: dev.GatewayID,
		DeviceID:  dev.DeviceID,
		UserID:    userID,
		LogType:   "device_offline",
		Event:     "offline",
		Severity:  storage.SeverityWarning,
		Message:   fmt.Sprintf("device %s offline (%s)", dev.DeviceID, reason),
		Metadata:  []byte(fmt.Sprintf(`{"reason":%q}`, reason)),
	}); err != nil {
		d.logger.Errorw("device offline log failed", "device_id", dev.DeviceID, "error", err)
	}
	d.hub.Broadcast(userID, map[string]interface{}{
		"type":      ws.TypeDeviceStatus,
		"device_id": dev.DeviceID,
		"status":    "offline",
		"reason":    reason,
	})
	d.logger.Infow("device offline", "device_id", dev.DeviceID, "reason", reason)
}

// CheckGateway force-evaluates one gateway with the sweep timeout.
// Returns the resulting status.
func (d *Detector) CheckGateway(gatewayID string) (string, error) {
	g, err := d.db.Gateway(gatewayID)
	if err != nil {
		return "", err
	}
	now := d.now()
	if g.Status == "online" && (g.LastSeen == nil || g.LastSeen.Before(now.Add(-d.config.GatewayTimeout))) {
		if err := d.db.TouchGateway(gatewayID, timeOrZero(g.LastSeen), "offline"); err != nil {
			return "", err
		}
		g.Status = "offline"
		d.gatewayOffline(g, now)
	}
	return g.Status, nil
}

// CheckDevice force-evaluates one device with the sweep timeout.
// Returns the resulting status.
func (d *Detector) CheckDevice(deviceID, gatewayID string) (string, error) {
	dev, err := d.db.GatewayDevice(deviceID, gatewayID)
	if err != nil {
		return "", err
	}
	now := d.now()
	if dev.Status == "online" && (dev.LastSeen == nil || dev.LastSeen.Before(now.Add(-d.config.DeviceTimeout))) {
		if _, err := d.db.UpdateDeviceStatus(deviceID, gatewayID, "offline", timeOrZero(dev.LastSeen)); err != nil {
			return "", err
		}
		dev.Status = "offline"
		d.deviceOffline(dev, "timeout", now)
	}
	return dev.Status, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

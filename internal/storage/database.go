// Package storage is the cloud-side Postgres layer. It owns every
// persistent entity; gateways only ever see snapshots served through
// the sync API.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/gatehaven/platform/internal/store"
)

// ErrUnknownDevice is returned when a row references a device that is
// not registered to the gateway.
var ErrUnknownDevice = errors.New("unknown device")

// DB wraps the Postgres connection.
type DB struct {
	conn *sqlx.DB
}

// Open connects to Postgres and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies connectivity for the health endpoint.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gateways (
		gateway_id       TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		name             TEXT NOT NULL DEFAULT '',
		location         TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'offline',
		last_seen        TIMESTAMPTZ,
		database_version TEXT NOT NULL DEFAULT '',
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS devices (
		device_id   TEXT NOT NULL,
		gateway_id  TEXT NOT NULL REFERENCES gateways(gateway_id),
		device_type TEXT NOT NULL,
		location    TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'offline',
		last_seen   TIMESTAMPTZ,
		metadata    JSONB,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (device_id, gateway_id)
	);

	CREATE TABLE IF NOT EXISTS passwords (
		password_id TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		hash        TEXT NOT NULL,
		active      BOOLEAN NOT NULL DEFAULT true,
		description TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ DEFAULT now(),
		last_used   TIMESTAMPTZ,
		expires_at  TIMESTAMPTZ,
		updated_at  TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS rfid_cards (
		uid                 TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		active              BOOLEAN NOT NULL DEFAULT true,
		card_type           TEXT NOT NULL DEFAULT '',
		description         TEXT NOT NULL DEFAULT '',
		registered_at       TIMESTAMPTZ DEFAULT now(),
		last_used           TIMESTAMPTZ,
		expires_at          TIMESTAMPTZ,
		deactivated_at      TIMESTAMPTZ,
		deactivation_reason TEXT NOT NULL DEFAULT '',
		updated_at          TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS telemetry (
		time        TIMESTAMPTZ NOT NULL,
		device_id   TEXT NOT NULL,
		gateway_id  TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		temperature DOUBLE PRECISION,
		humidity    DOUBLE PRECISION,
		metadata    JSONB
	);
	CREATE INDEX IF NOT EXISTS telemetry_device_time_idx
		ON telemetry (device_id, time DESC);

	CREATE TABLE IF NOT EXISTS access_logs (
		time        TIMESTAMPTZ NOT NULL,
		device_id   TEXT NOT NULL,
		gateway_id  TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		method      TEXT NOT NULL,
		result      TEXT NOT NULL,
		password_id TEXT NOT NULL DEFAULT '',
		rfid_uid    TEXT NOT NULL DEFAULT '',
		deny_reason TEXT NOT NULL DEFAULT '',
		metadata    JSONB
	);
	CREATE INDEX IF NOT EXISTS access_logs_time_idx ON access_logs (time DESC);

	CREATE TABLE IF NOT EXISTS system_logs (
		time       TIMESTAMPTZ NOT NULL,
		gateway_id TEXT NOT NULL DEFAULT '',
		device_id  TEXT NOT NULL DEFAULT '',
		user_id    TEXT NOT NULL DEFAULT '',
		log_type   TEXT NOT NULL,
		event      TEXT NOT NULL,
		severity   TEXT NOT NULL DEFAULT 'info',
		message    TEXT NOT NULL DEFAULT '',
		value      DOUBLE PRECISION,
		threshold  DOUBLE PRECISION,
		metadata   JSONB
	);
	CREATE INDEX IF NOT EXISTS system_logs_time_idx ON system_logs (time DESC);

	CREATE TABLE IF NOT EXISTS command_logs (
		time         TIMESTAMPTZ NOT NULL,
		command_id   TEXT NOT NULL,
		source       TEXT NOT NULL DEFAULT '',
		device_id    TEXT NOT NULL,
		gateway_id   TEXT NOT NULL,
		user_id      TEXT NOT NULL DEFAULT '',
		command_type TEXT NOT NULL,
		status       TEXT NOT NULL,
		params       JSONB,
		result       JSONB,
		completed_at TIMESTAMPTZ,
		metadata     JSONB
	);
	CREATE INDEX IF NOT EXISTS command_logs_command_idx ON command_logs (command_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// GatewayUser resolves the owning user of a gateway.
func (db *DB) GatewayUser(gatewayID string) (string, error) {
	var userID string
	err := db.conn.Get(&userID, `SELECT user_id FROM gateways WHERE gateway_id = $1`, gatewayID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("gateway %s: %w", gatewayID, ErrUnknownDevice)
	}
	return userID, err
}

// DeviceOwner resolves a device to its gateway and owning user.
func (db *DB) DeviceOwner(deviceID string) (gatewayID, userID string, err error) {
	var row struct {
		GatewayID string `db:"gateway_id"`
		UserID    string `db:"user_id"`
	}
	err = db.conn.Get(&row, `
		SELECT d.gateway_id, g.user_id
		FROM devices d JOIN gateways g ON g.gateway_id = d.gateway_id
		WHERE d.device_id = $1`, deviceID)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("device %s: %w", deviceID, ErrUnknownDevice)
	}
	return row.GatewayID, row.UserID, err
}

// InsertTelemetry appends a telemetry sample, resolving the owning
// user through the device's gateway. Samples from unregistered devices
// are dropped with ErrUnknownDevice.
func (db *DB) InsertTelemetry(s *TelemetrySample) error {
	res, err := db.conn.Exec(`
		INSERT INTO telemetry (time, device_id, gateway_id, user_id, temperature, humidity, metadata)
		SELECT $1, d.device_id, d.gateway_id, g.user_id, $4, $5, $6
		FROM devices d JOIN gateways g ON g.gateway_id = d.gateway_id
		WHERE d.device_id = $2 AND d.gateway_id = $3`,
		s.Time, s.DeviceID, s.GatewayID, s.Temperature, s.Humidity, s.Metadata)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("telemetry from %s/%s: %w", s.GatewayID, s.DeviceID, ErrUnknownDevice)
	}
	return nil
}

// TouchDevice bumps last_seen, optionally forcing the status.
func (db *DB) TouchDevice(deviceID, gatewayID string, ts time.Time, status string) error {
	var err error
	if status == "" {
		_, err = db.conn.Exec(`
			UPDATE devices SET last_seen = $3, updated_at = now()
			WHERE device_id = $1 AND gateway_id = $2`, deviceID, gatewayID, ts)
	} else {
		_, err = db.conn.Exec(`
			UPDATE devices SET last_seen = $3, status = $4, updated_at = now()
			WHERE device_id = $1 AND gateway_id = $2`, deviceID, gatewayID, ts, status)
	}
	if err != nil {
		return fmt.Errorf("touch device %s: %w", deviceID, err)
	}
	return nil
}

// TouchGateway bumps last_seen and status on a gateway.
func (db *DB) TouchGateway(gatewayID string, ts time.Time, status string) error {
	_, err := db.conn.Exec(`
		UPDATE gateways SET last_seen = $2, status = $3, updated_at = now()
		WHERE gateway_id = $1`, gatewayID, ts, status)
	if err != nil {
		return fmt.Errorf("touch gateway %s: %w", gatewayID, err)
	}
	return nil
}

// SetGatewayVersion records the snapshot version a gateway reported.
func (db *DB) SetGatewayVersion(gatewayID, version string) error {
	_, err := db.conn.Exec(`
		UPDATE gateways SET database_version = $2, updated_at = now()
		WHERE gateway_id = $1`, gatewayID, version)
	if err != nil {
		return fmt.Errorf("set gateway version: %w", err)
	}
	return nil
}

// UpdateDeviceStatus sets a device's status and returns the previous
// one so the caller can detect transitions.
func (db *DB) UpdateDeviceStatus(deviceID, gatewayID, status string, ts time.Time) (previous string, err error) {
	err = db.conn.Get(&previous, `
		UPDATE devices AS d SET status = $3, last_seen = $4, updated_at = now()
		FROM (SELECT device_id, gateway_id, status FROM devices
		      WHERE device_id = $1 AND gateway_id = $2 FOR UPDATE) AS old
		WHERE d.device_id = old.device_id AND d.gateway_id = old.gateway_id
		RETURNING old.status`,
		deviceID, gatewayID, status, ts)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("device %s: %w", deviceID, ErrUnknownDevice)
	}
	if err != nil {
		return "", fmt.Errorf("update device status: %w", err)
	}
	return previous, nil
}

// InsertAccessLog appends an access decision.
func (db *DB) InsertAccessLog(l *AccessLog) error {
	_, err := db.conn.NamedExec(`
		INSERT INTO access_logs (time, device_id, gateway_id, user_id, method, result,
			password_id, rfid_uid, deny_reason, metadata)
		VALUES (:time, :device_id, :gateway_id, :user_id, :method, :result,
			:password_id, :rfid_uid, :deny_reason, :metadata)`, l)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	return nil
}

// MarkPasswordUsed stamps last_used on a credential.
func (db *DB) MarkPasswordUsed(passwordID string, ts time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE passwords SET last_used = $2, updated_at = now()
		WHERE password_id = $1`, passwordID, ts)
	return err
}

// MarkCardUsed stamps last_used on a card.
func (db *DB) MarkCardUsed(uid string, ts time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE rfid_cards SET last_used = $2, updated_at = now()
		WHERE uid = $1`, uid, ts)
	return err
}

// InsertSystemLog appends an operational event.
func (db *DB) InsertSystemLog(l *SystemLog) error {
	_, err := db.conn.NamedExec(`
		INSERT INTO system_logs (time, gateway_id, device_id, user_id, log_type, event,
			severity, message, value, threshold, metadata)
		VALUES (:time, :gateway_id, :device_id, :user_id, :log_type, :event,
			:severity, :message, :value, :threshold, :metadata)`, l)
	if err != nil {
		return fmt.Errorf("insert system log: %w", err)
	}
	return nil
}

// InsertCommandLog appends a command lifecycle row.
func (db *DB) InsertCommandLog(l *CommandLog) error {
	_, err := db.conn.NamedExec(`
		INSERT INTO command_logs (time, command_id, source, device_id, gateway_id, user_id,
			command_type, status, params, result, completed_at, metadata)
		VALUES (:time, :command_id, :source, :device_id, :gateway_id, :user_id,
			:command_type, :status, :params, :result, :completed_at, :metadata)`, l)
	if err != nil {
		return fmt.Errorf("insert command log: %w", err)
	}
	return nil
}

// CompleteCommand marks a sent command with its terminal status.
func (db *DB) CompleteCommand(commandID, status string, result []byte, ts time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE command_logs SET status = $2, result = $3, completed_at = $4
		WHERE command_id = $1 AND status = $5`,
		commandID, status, result, ts, CommandStatusSent)
	if err != nil {
		return fmt.Errorf("complete command %s: %w", commandID, err)
	}
	return nil
}

// SweepGateways offlines gateways silent past the timeout and returns
// the rows it changed.
func (db *DB) SweepGateways(timeout time.Duration, now time.Time) ([]Gateway, error) {
	var out []Gateway
	err := db.conn.Select(&out, `
		UPDATE gateways SET status = 'offline', updated_at = now()
		WHERE status = 'online'
		  AND (last_seen IS NULL OR last_seen < $1)
		RETURNING gateway_id, user_id, name, location, status, last_seen, database_version, updated_at`,
		now.Add(-timeout))
	if err != nil {
		return nil, fmt.Errorf("sweep gateways: %w", err)
	}
	return out, nil
}

// CascadeOffline forces every still-online device of a gateway
// offline and returns them.
func (db *DB) CascadeOffline(gatewayID string) ([]Device, error) {
	var out []Device
	err := db.conn.Select(&out, `
		UPDATE devices SET status = 'offline', updated_at = now()
		WHERE gateway_id = $1 AND status != 'offline'
		RETURNING device_id, gateway_id, device_type, location, status, last_seen, metadata, updated_at`,
		gatewayID)
	if err != nil {
		return nil, fmt.Errorf("cascade offline %s: %w", gatewayID, err)
	}
	return out, nil
}

// SweepDevices offlines devices silent past the timeout and returns
// the rows it changed.
func (db *DB) SweepDevices(timeout time.Duration, now time.Time) ([]Device, error) {
	var out []Device
	err := db.conn.Select(&out, `
		UPDATE devices SET status = 'offline', updated_at = now()
		WHERE status = 'online'
		  AND (last_seen IS NULL OR last_seen < $1)
		RETURNING device_id, gateway_id, device_type, location, status, last_seen, metadata, updated_at`,
		now.Add(-timeout))
	if err != nil {
		return nil, fmt.Errorf("sweep devices: %w", err)
	}
	return out, nil
}

// UserGateways lists the gateways a user owns.
func (db *DB) UserGateways(userID string) ([]Gateway, error) {
	var out []Gateway
	err := db.conn.Select(&out, `
		SELECT gateway_id, user_id, name, location, status, last_seen, database_version, updated_at
		FROM gateways WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}
	return out, nil
}

// Gateway fetches a single gateway row.
func (db *DB) Gateway(gatewayID string) (*Gateway, error) {
	var g Gateway
	err := db.conn.Get(&g, `
		SELECT gateway_id, user_id, name, location, status, last_seen, database_version, updated_at
		FROM gateways WHERE gateway_id = $1`, gatewayID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("gateway %s: %w", gatewayID, ErrUnknownDevice)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GatewayDevice fetches a single device row.
func (db *DB) GatewayDevice(deviceID, gatewayID string) (*Device, error) {
	var d Device
	err := db.conn.Get(&d, `
		SELECT device_id, gateway_id, device_type, location, status, last_seen, metadata, updated_at
		FROM devices WHERE device_id = $1 AND gateway_id = $2`, deviceID, gatewayID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrUnknownDevice)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UserSnapshot assembles the credential snapshot served to a user's
// gateways. The gateway hashes the identical structure, so the version
// comparison is well defined on both sides.
func (db *DB) UserSnapshot(userID string) (store.Snapshot, error) {
	snap := store.NewSnapshot()

	var passwords []Password
	if err := db.conn.Select(&passwords, `
		SELECT password_id, user_id, hash, active, description, created_at, last_used, expires_at, updated_at
		FROM passwords WHERE user_id = $1`, userID); err != nil {
		return snap, fmt.Errorf("snapshot passwords: %w", err)
	}
	for _, p := range passwords {
		snap.Passwords[p.PasswordID] = store.PasswordEntry{
			Hash:        p.Hash,
			Active:      p.Active,
			Description: p.Description,
			CreatedAt:   rfc3339(p.CreatedAt),
			LastUsed:    rfc3339(p.LastUsed),
			ExpiresAt:   rfc3339(p.ExpiresAt),
			UpdatedAt:   rfc3339(p.UpdatedAt),
		}
	}

	var cards []RFIDCard
	if err := db.conn.Select(&cards, `
		SELECT uid, user_id, active, card_type, description, registered_at, last_used,
			expires_at, deactivated_at, deactivation_reason, updated_at
		FROM rfid_cards WHERE user_id = $1`, userID); err != nil {
		return snap, fmt.Errorf("snapshot cards: %w", err)
	}
	for _, c := range cards {
		snap.RFIDCards[c.UID] = store.CardEntry{
			Active:             c.Active,
			CardType:           c.CardType,
			Description:        c.Description,
			RegisteredAt:       rfc3339(c.RegisteredAt),
			LastUsed:           rfc3339(c.LastUsed),
			ExpiresAt:          rfc3339(c.ExpiresAt),
			DeactivatedAt:      rfc3339(c.DeactivatedAt),
			DeactivationReason: c.DeactivationReason,
			UpdatedAt:          rfc3339(c.UpdatedAt),
		}
	}

	var devices []Device
	if err := db.conn.Select(&devices, `
		SELECT d.device_id, d.gateway_id, d.device_type, d.location, d.status, d.last_seen, d.metadata, d.updated_at
		FROM devices d JOIN gateways g ON g.gateway_id = d.gateway_id
		WHERE g.user_id = $1`, userID); err != nil {
		return snap, fmt.Errorf("snapshot devices: %w", err)
	}
	for _, d := range devices {
		updated := d.UpdatedAt
		snap.Devices[d.DeviceID] = store.DeviceEntry{
			DeviceType: d.DeviceType,
			Location:   d.Location,
			Status:     d.Status,
			LastSeen:   rfc3339(d.LastSeen),
			Metadata:   []byte(d.Metadata),
			UpdatedAt:  rfc3339(&updated),
		}
	}

	return snap, nil
}

func rfc3339(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

package storage

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Gateway is one registered edge gateway.
type Gateway struct {
	GatewayID       string     `db:"gateway_id"`
	UserID          string     `db:"user_id"`
	Name            string     `db:"name"`
	Location        string     `db:"location"`
	Status          string     `db:"status"`
	LastSeen        *time.Time `db:"last_seen"`
	DatabaseVersion string     `db:"database_version"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Device is one device attached to a gateway. (device_id, gateway_id)
// is unique; the owning user is inherited from the gateway.
type Device struct {
	DeviceID   string         `db:"device_id"`
	GatewayID  string         `db:"gateway_id"`
	DeviceType string         `db:"device_type"`
	Location   string         `db:"location"`
	Status     string         `db:"status"`
	LastSeen   *time.Time     `db:"last_seen"`
	Metadata   types.JSONText `db:"metadata"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// Password is one passkey credential.
type Password struct {
	PasswordID  string     `db:"password_id"`
	UserID      string     `db:"user_id"`
	Hash        string     `db:"hash"`
	Active      bool       `db:"active"`
	Description string     `db:"description"`
	CreatedAt   *time.Time `db:"created_at"`
	LastUsed    *time.Time `db:"last_used"`
	ExpiresAt   *time.Time `db:"expires_at"`
	UpdatedAt   *time.Time `db:"updated_at"`
}

// RFIDCard is one registered card.
type RFIDCard struct {
	UID                string     `db:"uid"`
	UserID             string     `db:"user_id"`
	Active             bool       `db:"active"`
	CardType           string     `db:"card_type"`
	Description        string     `db:"description"`
	RegisteredAt       *time.Time `db:"registered_at"`
	LastUsed           *time.Time `db:"last_used"`
	ExpiresAt          *time.Time `db:"expires_at"`
	DeactivatedAt      *time.Time `db:"deactivated_at"`
	DeactivationReason string     `db:"deactivation_reason"`
	UpdatedAt          *time.Time `db:"updated_at"`
}

// TelemetrySample is one append-only time-series row.
type TelemetrySample struct {
	Time        time.Time      `db:"time"`
	DeviceID    string         `db:"device_id"`
	GatewayID   string         `db:"gateway_id"`
	UserID      string         `db:"user_id"`
	Temperature *float64       `db:"temperature"`
	Humidity    *float64       `db:"humidity"`
	Metadata    types.JSONText `db:"metadata"`
}

// AccessLog is one access decision row.
type AccessLog struct {
	Time       time.Time      `db:"time"`
	DeviceID   string         `db:"device_id"`
	GatewayID  string         `db:"gateway_id"`
	UserID     string         `db:"user_id"`
	Method     string         `db:"method"`
	Result     string         `db:"result"`
	PasswordID string         `db:"password_id"`
	RFIDUID    string         `db:"rfid_uid"`
	DenyReason string         `db:"deny_reason"`
	Metadata   types.JSONText `db:"metadata"`
}

// SystemLog is one operational event row.
type SystemLog struct {
	Time      time.Time      `db:"time"`
	GatewayID string         `db:"gateway_id"`
	DeviceID  string         `db:"device_id"`
	UserID    string         `db:"user_id"`
	LogType   string         `db:"log_type"`
	Event     string         `db:"event"`
	Severity  string         `db:"severity"`
	Message   string         `db:"message"`
	Value     *float64       `db:"value"`
	Threshold *float64       `db:"threshold"`
	Metadata  types.JSONText `db:"metadata"`
}

// CommandLog tracks one remote command through its lifecycle.
type CommandLog struct {
	Time        time.Time      `db:"time"`
	CommandID   string         `db:"command_id"`
	Source      string         `db:"source"`
	DeviceID    string         `db:"device_id"`
	GatewayID   string         `db:"gateway_id"`
	UserID      string         `db:"user_id"`
	CommandType string         `db:"command_type"`
	Status      string         `db:"status"`
	Params      types.JSONText `db:"params"`
	Result      types.JSONText `db:"result"`
	CompletedAt *time.Time     `db:"completed_at"`
	Metadata    types.JSONText `db:"metadata"`
}

// Command statuses.
const (
	CommandStatusSent      = "sent"
	CommandStatusCompleted = "completed"
	CommandStatusFailed    = "failed"
	CommandStatusExpired   = "expired"
)

// Severities for system logs.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

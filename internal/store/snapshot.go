package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PasswordEntry is one passkey credential in the snapshot.
type PasswordEntry struct {
	Hash        string  `json:"hash"`
	Active      bool    `json:"active"`
	Description string  `json:"description,omitempty"`
	CreatedAt   *string `json:"created_at"`
	LastUsed    *string `json:"last_used"`
	ExpiresAt   *string `json:"expires_at"`
	UpdatedAt   *string `json:"updated_at"`
}

// CardEntry is one RFID card in the snapshot.
type CardEntry struct {
	Active             bool    `json:"active"`
	CardType           string  `json:"card_type,omitempty"`
	Description        string  `json:"description,omitempty"`
	RegisteredAt       *string `json:"registered_at"`
	LastUsed           *string `json:"last_used"`
	ExpiresAt          *string `json:"expires_at"`
	DeactivatedAt      *string `json:"deactivated_at"`
	DeactivationReason string  `json:"deactivation_reason,omitempty"`
	UpdatedAt          *string `json:"updated_at"`
}

// DeviceEntry is one registered device in the snapshot.
type DeviceEntry struct {
	DeviceType    string          `json:"device_type"`
	Location      string          `json:"location,omitempty"`
	Communication string          `json:"communication,omitempty"`
	Status        string          `json:"status,omitempty"`
	RegisteredAt  *string         `json:"registered_at"`
	LastSeen      *string         `json:"last_seen"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	UpdatedAt     *string         `json:"updated_at"`
}

// Snapshot is the credential set the cloud serves and the gateway
// caches. Both sides marshal it with this exact type so the version
// hash is comparable.
type Snapshot struct {
	Passwords map[string]PasswordEntry `json:"passwords"`
	RFIDCards map[string]CardEntry     `json:"rfid_cards"`
	Devices   map[string]DeviceEntry   `json:"devices"`
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Passwords: make(map[string]PasswordEntry),
		RFIDCards: make(map[string]CardEntry),
		Devices:   make(map[string]DeviceEntry),
	}
}

// Version computes the 16-hex content hash of the snapshot: the first
// 16 hex characters of SHA-256 over the canonical JSON serialization.
// encoding/json emits map keys sorted, so equal content always hashes
// equal.
func (s Snapshot) Version() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Package security implements the request authentication primitives for
// device traffic: HMAC verification, timestamp freshness, nonce replay
// protection, per-device failed-attempt lockout and rate limiting.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Denial reason codes returned to devices and recorded in access logs.
const (
	ReasonLockedOut        = "locked_out"
	ReasonInvalidFormat    = "invalid_format"
	ReasonInvalidSignature = "invalid_signature"
	ReasonInvalidJSON      = "invalid_json"
	ReasonInvalidTimestamp = "invalid_timestamp"
	ReasonReplayAttack     = "replay_attack"
	ReasonRateLimited      = "rate_limited"
	ReasonInvalidPassword  = "invalid_password"
	ReasonInvalidCard      = "invalid_card"
	ReasonUnknownCommand   = "unknown_command"
)

// Config holds the security policy knobs.
type Config struct {
	HMACKey            []byte
	MaxFailedAttempts  int
	LockoutDuration    time.Duration
	TimestampTolerance time.Duration
	NonceCacheSize     int
	RateLimitWindow    time.Duration
	RateLimitMax       int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailedAttempts:  5,
		LockoutDuration:    300 * time.Second,
		TimestampTolerance: 300 * time.Second,
		NonceCacheSize:     1000,
		RateLimitWindow:    60 * time.Second,
		RateLimitMax:       10,
	}
}

// Manager owns all per-gateway security state. One mutex guards
// everything; callers never hold it across I/O.
type Manager struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu             sync.Mutex
	failedAttempts map[string]int
	lockouts       map[string]time.Time
	nonces         map[int64]struct{}
	nonceOrder     []int64
	requests       map[string][]time.Time

	now func() time.Time
}

// New creates a security manager with the given policy.
func New(cfg Config, logger *zap.SugaredLogger) *Manager {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.NonceCacheSize <= 0 {
		cfg.NonceCacheSize = 1000
	}
	return &Manager{
		cfg:            cfg,
		logger:         logger,
		failedAttempts: make(map[string]int),
		lockouts:       make(map[string]time.Time),
		nonces:         make(map[int64]struct{}),
		requests:       make(map[string][]time.Time),
		now:            time.Now,
	}
}

// ComputeHMAC returns the hex HMAC-SHA-256 of the exact body bytes.
func (m *Manager) ComputeHMAC(body []byte) string {
	mac := hmac.New(sha256.New, m.cfg.HMACKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks the received hex digest against the body bytes in
// constant time. The body must be the verbatim string the device
// signed; re-serialized JSON will not verify.
func (m *Manager) VerifyHMAC(body []byte, receivedHex string) bool {
	received, err := hex.DecodeString(receivedHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, m.cfg.HMACKey)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), received)
}

// ValidateTimestamp reports whether the device clock is within the
// configured tolerance of wall clock.
func (m *Manager) ValidateTimestamp(ts int64) bool {
	drift := m.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	return drift <= int64(m.cfg.TimestampTolerance/time.Second)
}

// ValidateNonce returns true iff the nonce has not been seen within the
// bounded replay window, inserting it atomically with the check. The
// cache evicts oldest-first.
func (m *Manager) ValidateNonce(nonce int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.nonces[nonce]; seen {
		return false
	}
	m.nonces[nonce] = struct{}{}
	m.nonceOrder = append(m.nonceOrder, nonce)
	for len(m.nonceOrder) > m.cfg.NonceCacheSize {
		oldest := m.nonceOrder[0]
		m.nonceOrder = m.nonceOrder[1:]
		delete(m.nonces, oldest)
	}
	return true
}

// IsLockedOut reports whether the device is under lockout. Expired
// lockouts are cleared lazily here.
func (m *Manager) IsLockedOut(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.lockouts[deviceID]
	if !ok {
		return false
	}
	if m.now().After(until) {
		delete(m.lockouts, deviceID)
		delete(m.failedAttempts, deviceID)
		return false
	}
	return true
}

// RecordFailedAttempt bumps the device's failure counter and reports
// whether this attempt triggered a lockout.
func (m *Manager) RecordFailedAttempt(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failedAttempts[deviceID]++
	if m.failedAttempts[deviceID] >= m.cfg.MaxFailedAttempts {
		m.lockouts[deviceID] = m.now().Add(m.cfg.LockoutDuration)
		if m.logger != nil {
			m.logger.Warnw("device locked out",
				"device_id", deviceID,
				"failures", m.failedAttempts[deviceID],
				"duration", m.cfg.LockoutDuration)
		}
		return true
	}
	return false
}

// RecordSuccess clears the device's failure counter and any lockout.
func (m *Manager) RecordSuccess(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failedAttempts, deviceID)
	delete(m.lockouts, deviceID)
}

// CheckRateLimit reports whether the device is within its request
// budget for the sliding window, recording this request if so.
func (m *Manager) CheckRateLimit(deviceID string) bool {
	if m.cfg.RateLimitMax <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.cfg.RateLimitWindow)
	history := m.requests[deviceID][:0]
	for _, t := range m.requests[deviceID] {
		if t.After(cutoff) {
			history = append(history, t)
		}
	}
	if len(history) >= m.cfg.RateLimitMax {
		m.requests[deviceID] = history
		return false
	}
	m.requests[deviceID] = append(history, now)
	return true
}

// Statistics reports cache and tracking sizes for the heartbeat payload.
func (m *Manager) Statistics() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"nonces_cached":   len(m.nonces),
		"devices_tracked": len(m.requests),
		"active_lockouts": len(m.lockouts),
	}
}

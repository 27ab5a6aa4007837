// Package store holds the gateway's local credential cache: passwords,
// RFID cards, registered devices and site settings, persisted as JSON
// under the data directory with atomic saves. It is the gateway's only
// source of truth between syncs; the cloud owns the authoritative copy.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	devicesFile  = "devices.json"
	settingsFile = "settings.json"
	logsFile     = "logs.json"

	maxLogEntries = 1000
)

// Access methods referenced by rules and logs.
const (
	MethodRFID          = "rfid"
	MethodPasskey       = "passkey"
	MethodRemoteControl = "remote_control"
)

// AccessRule gates access methods by time window and user.
type AccessRule struct {
	Enabled         bool     `json:"enabled"`
	StartTime       string   `json:"start_time"` // "HH:MM"
	EndTime         string   `json:"end_time"`   // "HH:MM", window wraps midnight when start > end
	AllowedMethods  []string `json:"allowed_methods"`
	RestrictedUsers []string `json:"restricted_users"`
}

// Automation holds the fan control settings.
type Automation struct {
	AutoFanEnabled bool    `json:"auto_fan_enabled"`
	TempThreshold  float64 `json:"temp_threshold"`
}

// LastAccess records the most recent granted entry.
type LastAccess struct {
	Method     string `json:"method"`
	PasswordID string `json:"password_id,omitempty"`
	CardUID    string `json:"card_uid,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Settings is the gateway-local configuration persisted alongside the
// credential snapshot.
type Settings struct {
	Automation      Automation            `json:"automation"`
	AccessRules     map[string]AccessRule `json:"access_rules"`
	LastAccess      *LastAccess           `json:"last_access,omitempty"`
	HomeOccupied    bool                  `json:"home_occupied"`
	DatabaseVersion string                `json:"database_version"`
}

// LogEntry is a free-form local event record kept in logs.json.
type LogEntry map[string]interface{}

// Store is the thread-safe owner of the credential cache. No other
// component reads the JSON files directly.
type Store struct {
	dir    string
	logger *zap.SugaredLogger

	mu       sync.Mutex
	snap     Snapshot
	settings Settings
	logs     []LogEntry

	now func() time.Time
}

// Open loads the store from dir, creating it if absent. A corrupt
// primary file falls back to its .backup generation.
func Open(dir string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: logger,
		snap:   NewSnapshot(),
		now:    time.Now,
	}
	s.settings.AccessRules = make(map[string]AccessRule)
	s.settings.Automation = Automation{AutoFanEnabled: true, TempThreshold: 28.0}

	if err := s.loadJSON(devicesFile, &s.snap); err != nil {
		return nil, err
	}
	if s.snap.Passwords == nil {
		s.snap.Passwords = make(map[string]PasswordEntry)
	}
	if s.snap.RFIDCards == nil {
		s.snap.RFIDCards = make(map[string]CardEntry)
	}
	if s.snap.Devices == nil {
		s.snap.Devices = make(map[string]DeviceEntry)
	}
	if err := s.loadJSON(settingsFile, &s.settings); err != nil {
		return nil, err
	}
	if s.settings.AccessRules == nil {
		s.settings.AccessRules = make(map[string]AccessRule)
	}
	if err := s.loadJSON(logsFile, &s.logs); err != nil {
		return nil, err
	}
	return s, nil
}

// loadJSON reads a data file into v, trying the .backup generation if
// the primary is missing or corrupt. A store with neither file starts
// empty.
func (s *Store) loadJSON(name string, v interface{}) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, v); jsonErr == nil {
			return nil
		} else if s.logger != nil {
			s.logger.Warnw("corrupt data file, trying backup", "file", name, "error", jsonErr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", name, err)
	}

	backup, err := os.ReadFile(path + ".backup")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s.backup: %w", name, err)
	}
	if err := json.Unmarshal(backup, v); err != nil {
		return fmt.Errorf("parse %s.backup: %w", name, err)
	}
	if s.logger != nil {
		s.logger.Infow("recovered data file from backup", "file", name)
	}
	return nil
}

// saveJSON writes v atomically: marshal to name.tmp, rotate the current
// file to name.backup, rename the tmp over the target.
func (s *Store) saveJSON(name string, v interface{}) error {
	path := filepath.Join(s.dir, name)
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".backup"); err != nil && s.logger != nil {
			s.logger.Warnw("backup rotation failed", "file", name, "error", err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// SaveAll persists the snapshot and settings.
func (s *Store) SaveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAllLocked()
}

func (s *Store) saveAllLocked() error {
	if err := s.saveJSON(devicesFile, s.snap); err != nil {
		return err
	}
	return s.saveJSON(settingsFile, s.settings)
}

// AddLog appends a local event record, trimming to the last 1000, and
// persists the log file.
func (s *Store) AddLog(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := entry["timestamp"]; !ok {
		entry["timestamp"] = s.now().Format(time.RFC3339)
	}
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogEntries {
		s.logs = s.logs[len(s.logs)-maxLogEntries:]
	}
	if err := s.saveJSON(logsFile, s.logs); err != nil && s.logger != nil {
		s.logger.Errorw("failed to persist logs", "error", err)
	}
}

// RecentLogs returns up to limit newest entries, optionally filtered by
// the entry's type field.
func (s *Store) RecentLogs(limit int, logType string) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := s.logs
	if logType != "" {
		filtered = nil
		for _, e := range s.logs {
			if t, _ := e["type"].(string); t == logType {
				filtered = append(filtered, e)
			}
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]LogEntry, len(filtered))
	copy(out, filtered)
	return out
}

// notExpired reports whether an expires_at value permits use now.
// Absent or unparseable values do not expire the credential.
func notExpired(expiresAt *string, now time.Time) bool {
	if expiresAt == nil || *expiresAt == "" {
		return true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, *expiresAt); err == nil {
			return t.After(now)
		}
	}
	return true
}

// AuthenticateCard reports whether uid maps to an active, unexpired
// card.
func (s *Store) AuthenticateCard(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.snap.RFIDCards[uid]
	return ok && card.Active && notExpired(card.ExpiresAt, s.now())
}

// AuthenticatePasskey searches for an active, unexpired password whose
// full-length hash equals the presented one. Truncated comparison is
// forbidden.
func (s *Store) AuthenticatePasskey(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, pw := range s.snap.Passwords {
		if pw.Hash == hash && pw.Active && notExpired(pw.ExpiresAt, s.now()) {
			return id, true
		}
	}
	return "", false
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// CheckAccessRules evaluates enabled rules against the current local
// time. The first rule whose window contains now decides: the method
// must be allowed and the user must not be restricted. No matching
// rule means allow, and internal errors fail open.
func (s *Store) CheckAccessRules(method, userID string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	nowClock := now.Hour()*60 + now.Minute()

	// Deterministic evaluation order.
	names := make([]string, 0, len(s.settings.AccessRules))
	for name := range s.settings.AccessRules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rule := s.settings.AccessRules[name]
		if !rule.Enabled {
			continue
		}
		start, err := parseClock(rule.StartTime)
		if err != nil {
			if s.logger != nil {
				s.logger.Warnw("bad rule start_time, skipping", "rule", name, "value", rule.StartTime)
			}
			continue
		}
		end, err := parseClock(rule.EndTime)
		if err != nil {
			if s.logger != nil {
				s.logger.Warnw("bad rule end_time, skipping", "rule", name, "value", rule.EndTime)
			}
			continue
		}

		var inRange bool
		if start <= end {
			inRange = nowClock >= start && nowClock <= end
		} else {
			// Window wraps midnight.
			inRange = nowClock >= start || nowClock <= end
		}
		if !inRange {
			continue
		}

		allowed := false
		for _, m := range rule.AllowedMethods {
			if m == method {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "method_not_allowed_" + name
		}
		for _, u := range rule.RestrictedUsers {
			if u == userID {
				return false, "user_restricted_" + name
			}
		}
		return true, ""
	}
	return true, ""
}

// MarkPasswordUsed stamps last_used on a password and persists eagerly.
func (s *Store) MarkPasswordUsed(passwordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pw, ok := s.snap.Passwords[passwordID]
	if !ok {
		return
	}
	ts := s.now().Format(time.RFC3339)
	pw.LastUsed = &ts
	s.snap.Passwords[passwordID] = pw
	if err := s.saveJSON(devicesFile, s.snap); err != nil && s.logger != nil {
		s.logger.Errorw("failed to persist last_used", "password_id", passwordID, "error", err)
	}
}

// MarkCardUsed stamps last_used on a card and persists eagerly.
func (s *Store) MarkCardUsed(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.snap.RFIDCards[uid]
	if !ok {
		return
	}
	ts := s.now().Format(time.RFC3339)
	card.LastUsed = &ts
	s.snap.RFIDCards[uid] = card
	if err := s.saveJSON(devicesFile, s.snap); err != nil && s.logger != nil {
		s.logger.Errorw("failed to persist last_used", "uid", uid, "error", err)
	}
}

// TouchDevice bumps last_seen on a device and marks it online. Unknown
// devices are ignored; the device map is owned by the cloud snapshot.
func (s *Store) TouchDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.snap.Devices[deviceID]
	if !ok {
		return
	}
	ts := s.now().Format(time.RFC3339)
	d.LastSeen = &ts
	d.Status = "online"
	s.snap.Devices[deviceID] = d
}

// Device returns the entry for a device id.
func (s *Store) Device(deviceID string) (DeviceEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.snap.Devices[deviceID]
	return d, ok
}

// Counts returns snapshot sizes for the heartbeat payload.
func (s *Store) Counts() (passwords, cards, devices int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snap.Passwords), len(s.snap.RFIDCards), len(s.snap.Devices)
}

// Version returns the snapshot version last applied.
func (s *Store) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.DatabaseVersion
}

// ApplySnapshot replaces the credential snapshot under the lock,
// preserving locally stamped last_used values when they are newer than
// the server's, persists both files, and records the new version.
func (s *Store) ApplySnapshot(snap Snapshot, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Passwords == nil {
		snap.Passwords = make(map[string]PasswordEntry)
	}
	if snap.RFIDCards == nil {
		snap.RFIDCards = make(map[string]CardEntry)
	}
	if snap.Devices == nil {
		snap.Devices = make(map[string]DeviceEntry)
	}

	for id, incoming := range snap.Passwords {
		if local, ok := s.snap.Passwords[id]; ok && newerTimestamp(local.LastUsed, incoming.LastUsed) {
			incoming.LastUsed = local.LastUsed
			snap.Passwords[id] = incoming
		}
	}
	for uid, incoming := range snap.RFIDCards {
		if local, ok := s.snap.RFIDCards[uid]; ok && newerTimestamp(local.LastUsed, incoming.LastUsed) {
			incoming.LastUsed = local.LastUsed
			snap.RFIDCards[uid] = incoming
		}
	}

	s.snap = snap
	s.settings.DatabaseVersion = version
	return s.saveAllLocked()
}

// newerTimestamp reports whether a is a later instant than b.
func newerTimestamp(a, b *string) bool {
	if a == nil || *a == "" {
		return false
	}
	if b == nil || *b == "" {
		return true
	}
	ta, errA := parseTimestamp(*a)
	tb, errB := parseTimestamp(*b)
	if errA != nil {
		return false
	}
	if errB != nil {
		return true
	}
	return ta.After(tb)
}

func parseTimestamp(v string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		t, err := time.Parse(layout, v)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// SetLastAccess records the latest granted entry and marks the site
// occupied.
func (s *Store) SetLastAccess(la LastAccess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if la.Timestamp == "" {
		la.Timestamp = s.now().Format(time.RFC3339)
	}
	s.settings.LastAccess = &la
	s.settings.HomeOccupied = true
	if err := s.saveJSON(settingsFile, s.settings); err != nil && s.logger != nil {
		s.logger.Errorw("failed to persist settings", "error", err)
	}
}

// HomeOccupied reports the occupancy flag.
func (s *Store) HomeOccupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.HomeOccupied
}

// AutomationConfig returns the fan automation settings.
func (s *Store) AutomationConfig() Automation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Automation
}

// SetAutomation updates the fan automation settings and persists them.
func (s *Store) SetAutomation(a Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Automation = a
	return s.saveJSON(settingsFile, s.settings)
}

// SetAccessRule installs or replaces a named rule and persists.
func (s *Store) SetAccessRule(name string, rule AccessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.AccessRules[name] = rule
	return s.saveJSON(settingsFile, s.settings)
}

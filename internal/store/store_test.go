package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func strPtr(v string) *string { return &v }

func TestAuthenticatePasskey(t *testing.T) {
	s := testStore(t)
	expired := time.Now().Add(-time.Hour).Format(time.RFC3339)
	future := time.Now().Add(time.Hour).Format(time.RFC3339)

	snap := NewSnapshot()
	snap.Passwords["pw1"] = PasswordEntry{Hash: "aaaa", Active: true}
	snap.Passwords["pw2"] = PasswordEntry{Hash: "bbbb", Active: false}
	snap.Passwords["pw3"] = PasswordEntry{Hash: "cccc", Active: true, ExpiresAt: &expired}
	snap.Passwords["pw4"] = PasswordEntry{Hash: "dddd", Active: true, ExpiresAt: &future}
	if err := s.ApplySnapshot(snap, "v1"); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}

	tests := []struct {
		name   string
		hash   string
		wantID string
		wantOK bool
	}{
		{"active match", "aaaa", "pw1", true},
		{"inactive", "bbbb", "", false},
		{"expired", "cccc", "", false},
		{"future expiry", "dddd", "pw4", true},
		{"unknown hash", "eeee", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := s.AuthenticatePasskey(tt.hash)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("AuthenticatePasskey(%q): got (%q, %v), want (%q, %v)",
					tt.hash, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestAuthenticateCard(t *testing.T) {
	s := testStore(t)
	snap := NewSnapshot()
	snap.RFIDCards["a1b2c3d4"] = CardEntry{Active: true}
	snap.RFIDCards["deadbeef"] = CardEntry{Active: false}
	if err := s.ApplySnapshot(snap, "v1"); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}

	if !s.AuthenticateCard("a1b2c3d4") {
		t.Error("active card rejected")
	}
	if s.AuthenticateCard("deadbeef") {
		t.Error("inactive card accepted")
	}
	if s.AuthenticateCard("00000000") {
		t.Error("unknown card accepted")
	}
}

func TestCheckAccessRules(t *testing.T) {
	s := testStore(t)
	s.settings.AccessRules = map[string]AccessRule{
		"night_curfew": {
			Enabled:         true,
			StartTime:       "22:00",
			EndTime:         "06:00",
			AllowedMethods:  []string{MethodPasskey},
			RestrictedUsers: []string{"pw9"},
		},
	}

	setClock := func(hhmm string) {
		parsed, err := time.Parse("15:04", hhmm)
		if err != nil {
			t.Fatalf("bad clock %q: %v", hhmm, err)
		}
		s.now = func() time.Time {
			return time.Date(2026, 8, 24, parsed.Hour(), parsed.Minute(), 0, 0, time.Local)
		}
	}

	tests := []struct {
		name       string
		clock      string
		method     string
		userID     string
		wantAllow  bool
		wantReason string
	}{
		{"outside window", "12:00", MethodRFID, "u1", true, ""},
		{"in window allowed method", "23:30", MethodPasskey, "u1", true, ""},
		{"in window after midnight", "05:00", MethodPasskey, "u1", true, ""},
		{"in window wrong method", "23:30", MethodRFID, "u1", false, "method_not_allowed_night_curfew"},
		{"in window restricted user", "02:00", MethodPasskey, "pw9", false, "user_restricted_night_curfew"},
		{"window start boundary", "22:00", MethodPasskey, "u1", true, ""},
		{"window end boundary", "06:00", MethodPasskey, "u1", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setClock(tt.clock)
			allow, reason := s.CheckAccessRules(tt.method, tt.userID)
			if allow != tt.wantAllow || reason != tt.wantReason {
				t.Errorf("CheckAccessRules(%s, %s) at %s: got (%v, %q), want (%v, %q)",
					tt.method, tt.userID, tt.clock, allow, reason, tt.wantAllow, tt.wantReason)
			}
		})
	}
}

func TestCheckAccessRulesDisabledAndDefault(t *testing.T) {
	s := testStore(t)
	s.settings.AccessRules = map[string]AccessRule{
		"disabled": {Enabled: false, StartTime: "00:00", EndTime: "23:59", AllowedMethods: nil},
	}
	if allow, reason := s.CheckAccessRules(MethodRFID, "u1"); !allow || reason != "" {
		t.Errorf("disabled rule applied: got (%v, %q)", allow, reason)
	}

	s.settings.AccessRules = map[string]AccessRule{}
	if allow, _ := s.CheckAccessRules(MethodRFID, "u1"); !allow {
		t.Error("no rules should default to allow")
	}
}

func TestAtomicSaveKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	snap1 := NewSnapshot()
	snap1.RFIDCards["gen1"] = CardEntry{Active: true}
	if err := s.ApplySnapshot(snap1, "v1"); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	snap2 := NewSnapshot()
	snap2.RFIDCards["gen2"] = CardEntry{Active: true}
	if err := s.ApplySnapshot(snap2, "v2"); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	// Primary holds generation 2, backup holds generation 1.
	var primary, backup Snapshot
	readJSON(t, filepath.Join(dir, "devices.json"), &primary)
	readJSON(t, filepath.Join(dir, "devices.json.backup"), &backup)
	if _, ok := primary.RFIDCards["gen2"]; !ok {
		t.Error("primary missing current generation")
	}
	if _, ok := backup.RFIDCards["gen1"]; !ok {
		t.Error("backup missing previous generation")
	}
}

func TestOpenRecoversFromCorruptPrimary(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	snap := NewSnapshot()
	snap.RFIDCards["a1b2c3d4"] = CardEntry{Active: true}
	if err := s.ApplySnapshot(snap, "v1"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.ApplySnapshot(snap, "v1"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Corrupt the primary; the backup generation must carry the data.
	if err := os.WriteFile(filepath.Join(dir, "devices.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt write failed: %v", err)
	}

	reopened, err := Open(dir, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if !reopened.AuthenticateCard("a1b2c3d4") {
		t.Error("backup recovery lost card data")
	}
}

func TestApplySnapshotPreservesNewerLastUsed(t *testing.T) {
	s := testStore(t)

	older := "2026-08-20T10:00:00Z"
	newer := "2026-08-24T09:00:00Z"

	local := NewSnapshot()
	local.Passwords["pw1"] = PasswordEntry{Hash: "aaaa", Active: true, LastUsed: &newer}
	local.RFIDCards["card1"] = CardEntry{Active: true, LastUsed: &older}
	if err := s.ApplySnapshot(local, "v1"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	incoming := NewSnapshot()
	incoming.Passwords["pw1"] = PasswordEntry{Hash: "aaaa", Active: true, LastUsed: &older}
	incoming.RFIDCards["card1"] = CardEntry{Active: true, LastUsed: &newer}
	if err := s.ApplySnapshot(incoming, "v2"); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}

	s.mu.Lock()
	pw := s.snap.Passwords["pw1"]
	card := s.snap.RFIDCards["card1"]
	s.mu.Unlock()

	if pw.LastUsed == nil || *pw.LastUsed != newer {
		t.Errorf("local newer last_used overwritten: got %v", pw.LastUsed)
	}
	if card.LastUsed == nil || *card.LastUsed != newer {
		t.Errorf("server newer last_used not applied: got %v", card.LastUsed)
	}
	if s.Version() != "v2" {
		t.Errorf("version: got %q, want v2", s.Version())
	}
}

func TestSnapshotVersionStable(t *testing.T) {
	a := NewSnapshot()
	a.Passwords["pw1"] = PasswordEntry{Hash: "aaaa", Active: true}
	a.RFIDCards["card1"] = CardEntry{Active: true}

	b := NewSnapshot()
	b.RFIDCards["card1"] = CardEntry{Active: true}
	b.Passwords["pw1"] = PasswordEntry{Hash: "aaaa", Active: true}

	va, err := a.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	vb, err := b.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if va != vb {
		t.Errorf("equal snapshots hash differently: %s vs %s", va, vb)
	}
	if len(va) != 16 {
		t.Errorf("version length: got %d, want 16", len(va))
	}

	b.Passwords["pw2"] = PasswordEntry{Hash: "bbbb", Active: true}
	vc, err := b.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if vc == va {
		t.Error("differing snapshots hash equal")
	}
}

func TestAddLogBounded(t *testing.T) {
	s := testStore(t)
	for i := 0; i < maxLogEntries+50; i++ {
		s.AddLog(LogEntry{"type": "access_attempt", "seq": i})
	}

	logs := s.RecentLogs(0, "")
	if len(logs) != maxLogEntries {
		t.Fatalf("log count: got %d, want %d", len(logs), maxLogEntries)
	}
	// Oldest entries were trimmed.
	if seq, _ := logs[0]["seq"].(int); seq != 50 {
		t.Errorf("oldest seq: got %v, want 50", logs[0]["seq"])
	}

	recent := s.RecentLogs(10, "access_attempt")
	if len(recent) != 10 {
		t.Errorf("filtered count: got %d, want 10", len(recent))
	}
}

func TestMarkPasswordUsedPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	snap := NewSnapshot()
	snap.Passwords["pw1"] = PasswordEntry{Hash: "aaaa", Active: true}
	if err := s.ApplySnapshot(snap, "v1"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	s.MarkPasswordUsed("pw1")

	var onDisk Snapshot
	readJSON(t, filepath.Join(dir, "devices.json"), &onDisk)
	if onDisk.Passwords["pw1"].LastUsed == nil {
		t.Error("last_used not persisted eagerly")
	}
}

func readJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
}

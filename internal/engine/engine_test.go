package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gatehaven/platform/internal/protocol"
	"github.com/gatehaven/platform/internal/security"
	"github.com/gatehaven/platform/internal/store"
	"github.com/gatehaven/platform/internal/transport"
)

type localPublish struct {
	deviceID string
	payload  map[string]interface{}
}

type fakeLocal struct {
	mu        sync.Mutex
	published []localPublish
	connected bool
}

func (f *fakeLocal) PublishCommand(deviceID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, localPublish{deviceID: deviceID, payload: m})
	f.mu.Unlock()
	return nil
}

func (f *fakeLocal) IsConnected() bool { return f.connected }

func (f *fakeLocal) commands() []localPublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]localPublish(nil), f.published...)
}

type forwardRec struct {
	deviceID string
	kind     string
	data     map[string]interface{}
}

type fakeCloud struct {
	mu        sync.Mutex
	forwards  []forwardRec
	responses []map[string]interface{}
	statuses  []string
	connected bool
}

func (f *fakeCloud) Forward(deviceID, kind string, data map[string]interface{}) error {
	f.mu.Lock()
	f.forwards = append(f.forwards, forwardRec{deviceID: deviceID, kind: kind, data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeCloud) PublishGatewayStatus(status string, _ time.Duration, _ map[string]interface{}) error {
	f.mu.Lock()
	f.statuses = append(f.statuses, status)
	f.mu.Unlock()
	return nil
}

func (f *fakeCloud) PublishCommandResponse(_ string, response map[string]interface{}) error {
	f.mu.Lock()
	f.responses = append(f.responses, response)
	f.mu.Unlock()
	return nil
}

func (f *fakeCloud) IsConnected() bool { return f.connected }
func (f *fakeCloud) BufferLen() int    { return 0 }

func (f *fakeCloud) forwarded(kind string) []forwardRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []forwardRec
	for _, rec := range f.forwards {
		if rec.kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeCloud) lastResponse() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil
	}
	return f.responses[len(f.responses)-1]
}

type loraSend struct {
	addr uint16
	body string
}

type fakeLoRa struct {
	mu    sync.Mutex
	sends []loraSend
}

func (f *fakeLoRa) SendResponse(addr uint16, body string) error {
	f.mu.Lock()
	f.sends = append(f.sends, loraSend{addr: addr, body: body})
	f.mu.Unlock()
	return nil
}

func (f *fakeLoRa) Statistics() map[string]interface{} {
	return map[string]interface{}{"messages_received": uint64(0), "messages_sent": uint64(0)}
}

func (f *fakeLoRa) sent() []loraSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]loraSend(nil), f.sends...)
}

const testHash = "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8"

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	snap := store.NewSnapshot()
	snap.RFIDCards["a1b2c3d4"] = store.CardEntry{Active: true}
	snap.Passwords["pk_1"] = store.PasswordEntry{Hash: testHash, Active: true}
	snap.Devices["rfid_gate_01"] = store.DeviceEntry{DeviceType: "rfid_gate", Status: "online"}
	snap.Devices["keypad_01"] = store.DeviceEntry{DeviceType: "keypad", Status: "online"}
	snap.Devices["fan_01"] = store.DeviceEntry{DeviceType: "relay_fan", Status: "online"}
	snap.Devices["temp_sensor_01"] = store.DeviceEntry{DeviceType: "temperature_sensor", Status: "online"}
	snap.Devices["cam_01"] = store.DeviceEntry{DeviceType: "camera", Status: "offline"}
	if err := st.ApplySnapshot(snap, "v1"); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}
	if err := st.SetAutomation(store.Automation{AutoFanEnabled: true, TempThreshold: 28.0}); err != nil {
		t.Fatalf("SetAutomation failed: %v", err)
	}
	return st
}

type harness struct {
	engine *Engine
	store  *store.Store
	sec    *security.Manager
	local  *fakeLocal
	cloud  *fakeCloud
	lora   *fakeLoRa
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := seededStore(t)
	secCfg := security.DefaultConfig()
	secCfg.HMACKey = []byte("test-hmac-key")
	secCfg.RateLimitMax = 1000
	sec := security.New(secCfg, zap.NewNop().Sugar())

	local := &fakeLocal{connected: true}
	cloud := &fakeCloud{connected: true}
	radio := &fakeLoRa{}

	cfg := DefaultConfig()
	cfg.GatewayID = "Gateway1"
	eng := New(cfg, st, sec, local, cloud, radio, zap.NewNop().Sugar())
	return &harness{engine: eng, store: st, sec: sec, local: local, cloud: cloud, lora: radio}
}

func rfidFrame(uid []byte) *protocol.Frame {
	return &protocol.Frame{
		Version:    1,
		MsgType:    protocol.MsgTypeRFIDScan,
		DeviceType: protocol.DeviceTypeRFIDGate,
		Seq:        1,
		Timestamp:  uint32(time.Now().Unix()),
		Payload:    uid,
	}
}

func TestRFIDGrant(t *testing.T) {
	h := newHarness(t)

	h.engine.processFrame(rfidFrame([]byte{0xA1, 0xB2, 0xC3, 0xD4}))

	sends := h.lora.sent()
	if len(sends) != 1 || sends[0].addr != 0x0001 || sends[0].body != protocol.ResponseGrant {
		t.Fatalf("radio replies: %+v", sends)
	}

	access := h.cloud.forwarded(transport.ForwardAccess)
	if len(access) != 1 {
		t.Fatalf("access forwards: %d", len(access))
	}
	rec := access[0]
	if rec.deviceID != "rfid_gate_01" {
		t.Errorf("device: %q", rec.deviceID)
	}
	if rec.data["method"] != "rfid" || rec.data["result"] != "granted" || rec.data["rfid_uid"] != "a1b2c3d4" {
		t.Errorf("access data: %v", rec.data)
	}

	logs := h.store.RecentLogs(10, "access")
	if len(logs) != 1 || logs[0]["result"] != "granted" {
		t.Errorf("access logs: %v", logs)
	}

	device, _ := h.store.Device("rfid_gate_01")
	if device.LastSeen == nil {
		t.Error("device last_seen not bumped")
	}
}

func TestStatusFrameForwardsWord(t *testing.T) {
	h := newHarness(t)

	h.engine.processFrame(&protocol.Frame{
		Version:    1,
		MsgType:    protocol.MsgTypeGateStatus,
		DeviceType: protocol.DeviceTypeRFIDGate,
		Seq:        2,
		Timestamp:  uint32(time.Now().Unix()),
		Payload:    []byte("OPENED"),
	})

	status := h.cloud.forwarded(transport.ForwardStatus)
	if len(status) != 1 {
		t.Fatalf("status forwards: %d", len(status))
	}
	rec := status[0]
	if rec.deviceID != "rfid_gate_01" {
		t.Errorf("device: %q", rec.deviceID)
	}
	if rec.data["status"] != "OPENED" {
		t.Errorf("status field: %v (%T)", rec.data["status"], rec.data["status"])
	}
	if rec.data["msg_type"] != "gate_status" {
		t.Errorf("msg_type: %v", rec.data["msg_type"])
	}
}

func TestRFIDDenyUnknownCard(t *testing.T) {
	h := newHarness(t)

	h.engine.processFrame(rfidFrame([]byte{0xDE, 0xAD, 0xBE, 0xEF}))

	sends := h.lora.sent()
	if len(sends) != 1 || sends[0].body != protocol.ResponseDeny {
		t.Fatalf("radio replies: %+v", sends)
	}
	access := h.cloud.forwarded(transport.ForwardAccess)
	if len(access) != 1 || access[0].data["result"] != "denied" || access[0].data["reason"] != security.ReasonInvalidCard {
		t.Errorf("access forward: %+v", access)
	}
}

func TestRFIDLockoutAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 5; i++ {
		h.engine.processFrame(rfidFrame([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	}
	// Sixth scan with a valid card is still refused while locked out.
	h.engine.processFrame(rfidFrame([]byte{0xA1, 0xB2, 0xC3, 0xD4}))

	access := h.cloud.forwarded(transport.ForwardAccess)
	last := access[len(access)-1]
	if last.data["result"] != "denied" || last.data["reason"] != security.ReasonLockedOut {
		t.Errorf("final decision: %v", last.data)
	}
	alerts := h.cloud.forwarded(transport.ForwardAlert)
	var sawLockout bool
	for _, a := range alerts {
		if a.data["alert_type"] == "lockout_triggered" {
			sawLockout = true
		}
	}
	if !sawLockout {
		t.Error("lockout alert not emitted")
	}
}

func signedRequest(t *testing.T, sec *security.Manager, nonce int64, pw string) []byte {
	t.Helper()
	body := fmt.Sprintf(`{"cmd":"unlock_request","pw":"%s","ts":%d,"nonce":%d,"client_id":"keypad"}`,
		pw, time.Now().Unix(), nonce)
	env := map[string]string{"body": body, "hmac": sec.ComputeHMAC([]byte(body))}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func request(deviceID string, payload []byte) transport.LocalMessage {
	return transport.LocalMessage{DeviceID: deviceID, Kind: transport.LocalKindRequest, Payload: payload}
}

func TestPasskeyGrantThenReplayRejected(t *testing.T) {
	h := newHarness(t)
	payload := signedRequest(t, h.sec, 42, testHash)

	h.engine.processRequest(request("keypad_01", payload))
	cmds := h.local.commands()
	if len(cmds) != 1 || cmds[0].payload["cmd"] != cmdOpen {
		t.Fatalf("first response: %+v", cmds)
	}

	// Identical request replays the nonce.
	h.engine.processRequest(request("keypad_01", payload))
	cmds = h.local.commands()
	if len(cmds) != 2 {
		t.Fatalf("responses: %d", len(cmds))
	}
	if cmds[1].payload["cmd"] != cmdLock || cmds[1].payload["reason"] != security.ReasonReplayAttack {
		t.Errorf("replay response: %v", cmds[1].payload)
	}

	var sawAlert bool
	for _, a := range h.cloud.forwarded(transport.ForwardAlert) {
		if a.data["alert_type"] == "security_alert" && a.data["reason"] == security.ReasonReplayAttack {
			sawAlert = true
		}
	}
	if !sawAlert {
		t.Error("replay security alert not emitted")
	}
}

func TestPasskeyPipelineReasons(t *testing.T) {
	tests := []struct {
		name    string
		payload func(t *testing.T, h *harness) []byte
		reason  string
	}{
		{
			name:    "missing hmac",
			payload: func(t *testing.T, h *harness) []byte { return []byte(`{"body":"{}"}`) },
			reason:  security.ReasonInvalidFormat,
		},
		{
			name: "bad signature",
			payload: func(t *testing.T, h *harness) []byte {
				return []byte(`{"body":"{\"cmd\":\"unlock_request\"}","hmac":"deadbeef"}`)
			},
			reason: security.ReasonInvalidSignature,
		},
		{
			name: "unparseable body",
			payload: func(t *testing.T, h *harness) []byte {
				body := "not json"
				env, _ := json.Marshal(map[string]string{"body": body, "hmac": h.sec.ComputeHMAC([]byte(body))})
				return env
			},
			reason: security.ReasonInvalidJSON,
		},
		{
			name: "stale timestamp",
			payload: func(t *testing.T, h *harness) []byte {
				body := fmt.Sprintf(`{"cmd":"unlock_request","pw":"%s","ts":%d,"nonce":7}`,
					testHash, time.Now().Unix()-600)
				env, _ := json.Marshal(map[string]string{"body": body, "hmac": h.sec.ComputeHMAC([]byte(body))})
				return env
			},
			reason: security.ReasonInvalidTimestamp,
		},
		{
			name: "unknown command",
			payload: func(t *testing.T, h *harness) []byte {
				body := fmt.Sprintf(`{"cmd":"reboot","ts":%d,"nonce":8}`, time.Now().Unix())
				env, _ := json.Marshal(map[string]string{"body": body, "hmac": h.sec.ComputeHMAC([]byte(body))})
				return env
			},
			reason: security.ReasonUnknownCommand,
		},
		{
			name: "wrong password",
			payload: func(t *testing.T, h *harness) []byte {
				return signedRequest(t, h.sec, 9, strings.Repeat("0", 64))
			},
			reason: security.ReasonInvalidPassword,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.engine.processRequest(request("keypad_01", tt.payload(t, h)))
			cmds := h.local.commands()
			if len(cmds) != 1 {
				t.Fatalf("responses: %d", len(cmds))
			}
			if cmds[0].payload["cmd"] != cmdLock || cmds[0].payload["reason"] != tt.reason {
				t.Errorf("response: %v, want reason %q", cmds[0].payload, tt.reason)
			}
		})
	}
}

func telemetry(deviceID string, temp float64) transport.LocalMessage {
	payload := []byte(fmt.Sprintf(`{"data":{"temperature":%.1f}}`, temp))
	return transport.LocalMessage{DeviceID: deviceID, Kind: transport.LocalKindTelemetry, Payload: payload}
}

func TestFanAutomation(t *testing.T) {
	h := newHarness(t)

	h.engine.processLocal(telemetry("temp_sensor_01", 29.0))

	cmds := h.local.commands()
	if len(cmds) != 1 || cmds[0].deviceID != "fan_01" {
		t.Fatalf("commands: %+v", cmds)
	}
	p := cmds[0].payload
	if p["cmd"] != "fan_on" || p["user"] != "automation_engine" || p["trigger"] != "temperature_threshold" {
		t.Errorf("fan command: %v", p)
	}
	if p["temperature"] != 29.0 || p["threshold"] != 28.0 {
		t.Errorf("fan command values: %v", p)
	}

	alerts := h.cloud.forwarded(transport.ForwardAlert)
	if len(alerts) != 1 || alerts[0].data["alert_type"] != "automation_trigger" {
		t.Errorf("alerts: %+v", alerts)
	}

	// Same side of the threshold: no further command.
	h.engine.processLocal(telemetry("temp_sensor_01", 30.5))
	if got := len(h.local.commands()); got != 1 {
		t.Errorf("commands after repeat reading: %d, want 1", got)
	}

	// Crossing back down turns the fan off.
	h.engine.processLocal(telemetry("temp_sensor_01", 25.0))
	cmds = h.local.commands()
	if len(cmds) != 2 || cmds[1].payload["cmd"] != "fan_off" {
		t.Errorf("commands after cooldown: %+v", cmds)
	}

	// Telemetry is forwarded regardless of automation.
	if got := len(h.cloud.forwarded(transport.ForwardTelemetry)); got != 3 {
		t.Errorf("telemetry forwards: %d, want 3", got)
	}
}

func TestAutomationDisabled(t *testing.T) {
	h := newHarness(t)
	if err := h.store.SetAutomation(store.Automation{AutoFanEnabled: false, TempThreshold: 28.0}); err != nil {
		t.Fatalf("SetAutomation failed: %v", err)
	}
	h.engine.processLocal(telemetry("temp_sensor_01", 35.0))
	if got := len(h.local.commands()); got != 0 {
		t.Errorf("commands with automation off: %d", got)
	}
}

func cloudCmd(t *testing.T, commandID, cmd, userID string, params map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"command_id": commandID,
		"cmd":        cmd,
		"user_id":    userID,
		"params":     params,
	})
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return data
}

func TestCloudCommandAckFlow(t *testing.T) {
	h := newHarness(t)

	h.engine.processCloudCommand(cloudCommand{
		deviceID: "fan_01",
		payload:  cloudCmd(t, "cmd-1", "fan_on", "alice", nil),
	})

	cmds := h.local.commands()
	if len(cmds) != 1 || cmds[0].deviceID != "fan_01" || cmds[0].payload["command_id"] != "cmd-1" {
		t.Fatalf("delivered command: %+v", cmds)
	}
	if resp := h.cloud.lastResponse(); resp["status"] != "sent" {
		t.Fatalf("initial response: %v", resp)
	}

	// Device acks via a status message carrying the command id.
	status := []byte(`{"state":"on","command_id":"cmd-1"}`)
	h.engine.processLocal(transport.LocalMessage{
		DeviceID: "fan_01", Kind: transport.LocalKindStatus, Payload: status,
	})

	resp := h.cloud.lastResponse()
	if resp["command_id"] != "cmd-1" || resp["status"] != "completed" {
		t.Errorf("completion response: %v", resp)
	}

	h.engine.mu.Lock()
	pending := len(h.engine.pending)
	h.engine.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending commands after ack: %d", pending)
	}
}

func TestCloudCommandValidation(t *testing.T) {
	h := newHarness(t)

	h.engine.processCloudCommand(cloudCommand{
		deviceID: "ghost_01",
		payload:  cloudCmd(t, "cmd-2", "fan_on", "alice", nil),
	})
	if resp := h.cloud.lastResponse(); resp["status"] != "failed" || resp["reason"] != "unknown_device" {
		t.Errorf("unknown device response: %v", resp)
	}

	h.engine.processCloudCommand(cloudCommand{
		deviceID: "cam_01",
		payload:  cloudCmd(t, "cmd-3", "snapshot", "alice", nil),
	})
	if resp := h.cloud.lastResponse(); resp["status"] != "failed" || resp["reason"] != "device_offline" {
		t.Errorf("offline device response: %v", resp)
	}
}

func TestGateRemoteUnlock(t *testing.T) {
	h := newHarness(t)

	h.engine.processCloudCommand(cloudCommand{
		deviceID: "rfid_gate_01",
		payload:  cloudCmd(t, "cmd-4", "unlock", "alice", map[string]interface{}{"duration_ms": 3000}),
	})

	sends := h.lora.sent()
	if len(sends) != 1 {
		t.Fatalf("radio sends: %d", len(sends))
	}
	want := protocol.RemoteUnlockBody("cmd-4", "alice", 3000)
	if sends[0].addr != uint16(protocol.DeviceTypeRFIDGate) || sends[0].body != want {
		t.Errorf("unlock send: addr=%#04x body=%q, want body %q", sends[0].addr, sends[0].body, want)
	}
	if resp := h.cloud.lastResponse(); resp["status"] != "sent" {
		t.Errorf("response: %v", resp)
	}
}

func TestCommandExpiry(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	h.engine.now = func() time.Time { return base }

	h.engine.processCloudCommand(cloudCommand{
		deviceID: "fan_01",
		payload:  cloudCmd(t, "cmd-5", "fan_on", "alice", nil),
	})

	// Within the expiry window nothing happens.
	base = base.Add(20 * time.Second)
	h.engine.sweepPendingCommands()
	if resp := h.cloud.lastResponse(); resp["status"] != "sent" {
		t.Fatalf("premature expiry: %v", resp)
	}

	base = base.Add(15 * time.Second)
	h.engine.sweepPendingCommands()
	resp := h.cloud.lastResponse()
	if resp["command_id"] != "cmd-5" || resp["status"] != "expired" || resp["reason"] != "command_expired" {
		t.Errorf("expiry response: %v", resp)
	}
	logs := h.store.RecentLogs(10, "command_expired")
	if len(logs) != 1 {
		t.Errorf("expiry logs: %v", logs)
	}
}

func TestHeartbeatStats(t *testing.T) {
	h := newHarness(t)
	h.engine.publishHeartbeat()

	h.cloud.mu.Lock()
	statuses := append([]string(nil), h.cloud.statuses...)
	h.cloud.mu.Unlock()
	if len(statuses) != 1 || statuses[0] != "online" {
		t.Errorf("statuses: %v", statuses)
	}
}

func TestStartStopPublishesOffline(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	frame := rfidFrame([]byte{0xA1, 0xB2, 0xC3, 0xD4})
	h.engine.HandleFrame(frame)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.lora.sent()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(h.lora.sent()) != 1 {
		t.Fatal("queued frame not routed")
	}

	if err := h.engine.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	h.cloud.mu.Lock()
	last := h.cloud.statuses[len(h.cloud.statuses)-1]
	h.cloud.mu.Unlock()
	if last != "offline" {
		t.Errorf("final status: %q, want offline", last)
	}
}

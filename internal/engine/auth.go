package engine

import (
	"encoding/json"
	"time"

	"github.com/gatehaven/platform/internal/security"
	"github.com/gatehaven/platform/internal/store"
	"github.com/gatehaven/platform/internal/transport"
)

// Gateway responses to device requests.
const (
	cmdOpen = "OPEN"
	cmdLock = "LOCK"
)

type requestEnvelope struct {
	Body string `json:"body"`
	HMAC string `json:"hmac"`
}

type requestBody struct {
	Cmd      string `json:"cmd"`
	PW       string `json:"pw"`
	TS       int64  `json:"ts"`
	Nonce    int64  `json:"nonce"`
	ClientID string `json:"client_id"`
}

// processRequest runs the authentication pipeline for a device unlock
// request. Checks run in a fixed order; the first failure ends the
// request with its reason.
func (e *Engine) processRequest(msg transport.LocalMessage) {
	deviceID := msg.DeviceID

	if e.security.IsLockedOut(deviceID) {
		e.denyRequest(deviceID, security.ReasonLockedOut, "", false, false)
		return
	}
	if !e.security.CheckRateLimit(deviceID) {
		e.denyRequest(deviceID, security.ReasonRateLimited, "", false, false)
		return
	}

	var env requestEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil || env.Body == "" || env.HMAC == "" {
		e.denyRequest(deviceID, security.ReasonInvalidFormat, "", true, false)
		return
	}

	// The HMAC covers the verbatim body string, not a re-serialization.
	if !e.security.VerifyHMAC([]byte(env.Body), env.HMAC) {
		e.denyRequest(deviceID, security.ReasonInvalidSignature, "", true, true)
		return
	}

	var body requestBody
	if err := json.Unmarshal([]byte(env.Body), &body); err != nil {
		e.denyRequest(deviceID, security.ReasonInvalidJSON, "", true, false)
		return
	}

	if !e.security.ValidateTimestamp(body.TS) {
		e.denyRequest(deviceID, security.ReasonInvalidTimestamp, "", true, false)
		return
	}
	if !e.security.ValidateNonce(body.Nonce) {
		e.denyRequest(deviceID, security.ReasonReplayAttack, "", true, true)
		return
	}

	if body.Cmd != "unlock_request" {
		e.denyRequest(deviceID, security.ReasonUnknownCommand, "", true, false)
		return
	}

	passwordID, ok := e.store.AuthenticatePasskey(body.PW)
	if !ok {
		e.denyRequest(deviceID, security.ReasonInvalidPassword, "", true, false)
		return
	}
	if allowed, reason := e.store.CheckAccessRules(store.MethodPasskey, passwordID); !allowed {
		e.denyRequest(deviceID, reason, passwordID, true, false)
		return
	}

	e.grantRequest(deviceID, passwordID)
}

func (e *Engine) grantRequest(deviceID, passwordID string) {
	if err := e.local.PublishCommand(deviceID, map[string]interface{}{"cmd": cmdOpen}); err != nil {
		e.logger.Errorw("open response failed", "device_id", deviceID, "error", err)
	}
	e.security.RecordSuccess(deviceID)
	e.store.MarkPasswordUsed(passwordID)
	e.store.SetLastAccess(store.LastAccess{
		Method:     store.MethodPasskey,
		PasswordID: passwordID,
		Timestamp:  e.now().Format(time.RFC3339),
	})
	e.logAccess(deviceID, store.MethodPasskey, "granted", passwordID, "")
	e.forward(deviceID, transport.ForwardAccess, map[string]interface{}{
		"method": store.MethodPasskey,
		"result": "granted",
		"user":   passwordID,
	})
	e.logger.Infow("passkey access granted", "device_id", deviceID, "password_id", passwordID)
}

func (e *Engine) denyRequest(deviceID, reason, passwordID string, recordFailure, securityAlert bool) {
	resp := map[string]interface{}{"cmd": cmdLock, "reason": reason}
	if err := e.local.PublishCommand(deviceID, resp); err != nil {
		e.logger.Errorw("lock response failed", "device_id", deviceID, "error", err)
	}
	if recordFailure {
		if e.security.RecordFailedAttempt(deviceID) {
			e.alert(deviceID, "lockout_triggered", map[string]interface{}{"reason": reason})
		}
	}
	if securityAlert {
		e.alert(deviceID, "security_alert", map[string]interface{}{"reason": reason})
	}
	e.logAccess(deviceID, store.MethodPasskey, "denied", passwordID, reason)
	e.forward(deviceID, transport.ForwardAccess, map[string]interface{}{
		"method": store.MethodPasskey,
		"result": "denied",
		"reason": reason,
	})
	e.logger.Infow("passkey access denied", "device_id", deviceID, "reason", reason)
}

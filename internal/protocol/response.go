package protocol

import (
	"encoding/binary"
	"fmt"
)

// Canned response bodies for the RFID gate.
const (
	ResponseGrant = "GRANT"
	ResponseDeny  = "DENY5"
)

// ResponseChannel is the radio channel the module transmits responses on.
const ResponseChannel = 23

var responseHeader = []byte{0xC0, 0x00, 0x00}

// MaxResponseBody bounds the ASCII body; the length field is one byte.
const MaxResponseBody = 255

// BuildResponse assembles an outbound packet for the radio module:
// header C0 00 00, big-endian device address, channel, body length,
// ASCII body.
func BuildResponse(addr uint16, body string) ([]byte, error) {
	if len(body) > MaxResponseBody {
		return nil, fmt.Errorf("response body too long: %d bytes", len(body))
	}
	buf := make([]byte, 0, len(responseHeader)+4+len(body))
	buf = append(buf, responseHeader...)
	buf = binary.BigEndian.AppendUint16(buf, addr)
	buf = append(buf, ResponseChannel, uint8(len(body)))
	buf = append(buf, body...)
	return buf, nil
}

// RemoteUnlockBody formats the remote unlock command body sent to the
// gate device on behalf of a cloud command.
func RemoteUnlockBody(commandID, user string, durationMS int) string {
	return fmt.Sprintf("REMOTE_UNLOCK:%s:%s:%d", commandID, user, durationMS)
}

package disguise

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
)

// websocketGUID is the fixed GUID from RFC 6455 section 1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a client's
// Sec-WebSocket-Key: base64(sha1(key + GUID)).
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// UpgradeResponse returns a real WebSocket upgrade response for the given
// accept key, used when the proxy terminates the WebSocket handshake itself.
func UpgradeResponse(acceptKey string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: %s\r\n"+
			"\r\n",
		acceptKey))
}

// BadRequest is sent when a WebSocket upgrade request is malformed.
func BadRequest() []byte {
	return errorResponse(400, "Bad Request")
}

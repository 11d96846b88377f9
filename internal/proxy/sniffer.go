// Package proxy contains the core proxying logic: protocol sniffing, backend
// dispatch, and the full-duplex relay.
package proxy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"camoproxy/internal/config"
)

// Protocol defines the type of the detected protocol.
type Protocol int

const (
	ProtoUnknown Protocol = iota
	ProtoSSH
	ProtoHTTP
	ProtoWebSocket // HTTP request carrying a WebSocket upgrade
	ProtoOpenVPN
	ProtoTLS
)

// String returns the protocol name used in logs.
func (p Protocol) String() string {
	switch p {
	case ProtoSSH:
		return "SSH"
	case ProtoHTTP:
		return "HTTP"
	case ProtoWebSocket:
		return "WebSocket"
	case ProtoOpenVPN:
		return "OpenVPN"
	case ProtoTLS:
		return "TLS"
	default:
		return "unknown"
	}
}

// maxPeek bounds how many bytes are inspected for classification.
const maxPeek = 2048

var httpMethods = []string{
	"GET ", "POST ", "HEAD ", "PUT ", "DELETE ", "CONNECT ", "OPTIONS ", "PATCH ",
}

// OpenVPN control-channel opcodes observed as the third byte of the first
// TCP-framed packet (P_CONTROL_HARD_RESET_CLIENT_V1/V2 and
// P_CONTROL_HARD_RESET_CLIENT_V3, shifted into the opcode field).
var openvpnOpcodes = map[byte]bool{0x20: true, 0x21: true, 0x38: true}

// Classify maps a peeked byte prefix to a protocol. It is a pure function:
// the same bytes always yield the same classification.
//
// The match order is fixed: TLS, SSH, HTTP (with WebSocket refinement),
// OpenVPN, then unknown. Callers are responsible for mapping an empty peek
// (nothing arrived before the timeout) to the configured fallback protocol.
func Classify(peeked []byte) Protocol {
	// TLS handshake record: content type 0x16, major version 0x03.
	if len(peeked) >= 2 && peeked[0] == 0x16 && peeked[1] == 0x03 {
		return ProtoTLS
	}

	// SSH identification string, e.g. "SSH-2.0-OpenSSH_9.0".
	if bytes.HasPrefix(peeked, []byte("SSH-")) {
		return ProtoSSH
	}

	if isHTTPRequest(peeked) {
		if hasWebSocketUpgrade(peeked) {
			return ProtoWebSocket
		}
		return ProtoHTTP
	}

	// OpenVPN over TCP: 2-byte big-endian packet length followed by a known
	// control opcode. A heuristic; other binary protocols could collide.
	if len(peeked) >= 3 {
		if plen := binary.BigEndian.Uint16(peeked); plen > 0 && plen <= 1500 && openvpnOpcodes[peeked[2]] {
			return ProtoOpenVPN
		}
	}

	return ProtoUnknown
}

// isHTTPRequest reports whether the bytes start with a recognized HTTP
// request method followed by a space.
func isHTTPRequest(b []byte) bool {
	s := string(b)
	for _, m := range httpMethods {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}

// hasWebSocketUpgrade reports whether the peeked HTTP request carries both an
// "Upgrade: websocket" header and a Connection header whose comma-separated
// value list contains "upgrade". Both checks are case-insensitive.
func hasWebSocketUpgrade(b []byte) bool {
	var upgrade, connection bool
	for _, line := range strings.Split(string(b), "\r\n")[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "upgrade":
			if strings.EqualFold(value, "websocket") {
				upgrade = true
			}
		case "connection":
			for _, token := range strings.Split(value, ",") {
				if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
					connection = true
				}
			}
		}
	}
	return upgrade && connection
}

// FallbackProtocol maps the configured fallback name to a protocol.
func FallbackProtocol(cfg *config.Config) Protocol {
	switch cfg.Fallback {
	case config.FallbackOpenVPN:
		return ProtoOpenVPN
	case config.FallbackHTTP:
		return ProtoHTTP
	default:
		return ProtoSSH
	}
}

// sniff peeks the first bytes of the connection without consuming them. The
// read cursor of the bufio.Reader does not advance, so the relay phase sees
// the identical bytes. It waits at most timeout for data; on timeout it
// returns whatever arrived, possibly nothing.
func sniff(conn net.Conn, r *bufio.Reader, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	want := 1
	for want <= maxPeek {
		if _, err := r.Peek(want); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) ||
				errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, err
		}
		peeked, _ := r.Peek(r.Buffered())
		if !wantMoreBytes(peeked) {
			return peeked, nil
		}
		want = r.Buffered() + 1
	}

	peeked, _ := r.Peek(min(r.Buffered(), maxPeek))
	return peeked, nil
}

// wantMoreBytes decides whether sniffing should keep waiting. HTTP requests
// are peeked until the header terminator so the WebSocket upgrade check sees
// all headers; everything else classifies from the first packet.
func wantMoreBytes(b []byte) bool {
	if len(b) < 4 {
		return true
	}
	if isHTTPRequest(b) {
		return !bytes.Contains(b, []byte("\r\n\r\n"))
	}
	return false
}

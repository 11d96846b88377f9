package proxy

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// sniFromClientHello extracts the Server Name Indication from a peeked TLS
// ClientHello record. Best effort: the peek may have caught only part of the
// record, in which case an error is returned and the connection is still
// relayed. Nothing is consumed from the stream; the parser runs over the
// peeked copy.
func sniFromClientHello(peeked []byte) (string, error) {
	if len(peeked) < 5 {
		return "", errors.New("record too short")
	}
	if peeked[0] != 0x16 {
		return "", errors.New("not a TLS handshake record")
	}

	recordLen := int(binary.BigEndian.Uint16(peeked[3:5]))
	body := peeked[5:]
	if recordLen < len(body) {
		body = body[:recordLen]
	}

	s := cryptobyte.String(body)

	// ClientHello message header. See RFC 8446, section 4.1.2.
	var msgType uint8
	var clientHello cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != 1 || !s.ReadUint24LengthPrefixed(&clientHello) {
		return "", errors.New("not a ClientHello message")
	}

	// legacy_version and random.
	if !clientHello.Skip(2) || !clientHello.Skip(32) {
		return "", errors.New("error parsing ClientHello header")
	}

	var sessionID cryptobyte.String
	if !clientHello.ReadUint8LengthPrefixed(&sessionID) {
		return "", errors.New("error parsing session id")
	}

	var cipherSuites cryptobyte.String
	if !clientHello.ReadUint16LengthPrefixed(&cipherSuites) {
		return "", errors.New("error parsing cipher suites")
	}

	var compressionMethods cryptobyte.String
	if !clientHello.ReadUint8LengthPrefixed(&compressionMethods) {
		return "", errors.New("error parsing compression methods")
	}

	if clientHello.Empty() {
		return "", errors.New("no extensions found")
	}

	var extensions cryptobyte.String
	if !clientHello.ReadUint16LengthPrefixed(&extensions) {
		return "", errors.New("error parsing extensions")
	}

	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return "", errors.New("error parsing extension")
		}
		if extType != 0 { // 0 = server_name
			continue
		}

		var serverNameList cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&serverNameList) || serverNameList.Empty() {
			return "", errors.New("error parsing server_name extension")
		}
		var nameType uint8
		var hostName cryptobyte.String
		if !serverNameList.ReadUint8(&nameType) || nameType != 0 ||
			!serverNameList.ReadUint16LengthPrefixed(&hostName) || hostName.Empty() {
			return "", errors.New("error parsing host_name")
		}
		return string(hostName), nil
	}

	return "", errors.New("SNI not found in ClientHello")
}

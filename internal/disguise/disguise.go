// Package disguise produces the canned wire responses that make tunneled
// traffic resemble an ordinary HTTP exchange.
package disguise

import (
	"fmt"
	"io"
)

// Handshake returns the two-line disguise handshake sent to tunnel clients
// before the real protocol begins: a fake "101 Switching Protocols" followed
// by a fake "200", both carrying the configured status text verbatim.
func Handshake(status string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 101 %s\r\n\r\nHTTP/1.1 200 %s\r\n\r\n", status, status))
}

// WriteHandshake writes the disguise handshake to the client.
func WriteHandshake(w io.Writer, status string) error {
	_, err := w.Write(Handshake(status))
	return err
}

// BadGateway is the response for HTTP-aware clients whose backend could not
// be reached.
func BadGateway() []byte {
	return errorResponse(502, "Bad Gateway")
}

// GatewayTimeout is the response for HTTP-aware clients whose backend did not
// answer in time.
func GatewayTimeout() []byte {
	return errorResponse(504, "Gateway Timeout")
}

func errorResponse(code int, text string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\n"+
			"Content-Length: 0\r\n"+
			"Connection: close\r\n"+
			"\r\n",
		code, text))
}

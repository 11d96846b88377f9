package proxy

import (
	"errors"
	"io"
	"net"
)

// bufferSize is the per-direction copy buffer.
const bufferSize = 32 * 1024

type closeWriter interface {
	CloseWrite() error
}

// relay copies bytes between the client and the backend in both directions
// concurrently until each side reaches end-of-stream or fails. Each direction
// is owned by exactly one goroutine; the halves are never shared.
//
// The client-to-backend direction reads from clientReader, the bufio.Reader
// that still buffers the peeked-but-unconsumed classification bytes, so those
// bytes are forwarded to the backend exactly once.
func relay(client net.Conn, clientReader io.Reader, backend net.Conn) error {
	errc := make(chan error, 2)

	go func() {
		errc <- copyDirection(backend, clientReader)
	}()
	go func() {
		errc <- copyDirection(client, backend)
	}()

	// Both directions run to completion; the first fatal error wins.
	err := <-errc
	if err2 := <-errc; err == nil {
		err = err2
	}
	return err
}

// copyDirection streams src into dst until end-of-stream, then half-closes
// dst so the opposite direction can still drain in-flight data.
func copyDirection(dst net.Conn, src io.Reader) error {
	buf := make([]byte, bufferSize)
	_, err := io.CopyBuffer(dst, src, buf)
	halfClose(dst)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// halfClose shuts down only the write side when the transport supports it
// (TCP does); otherwise the whole connection is closed.
func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}

package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"camoproxy/internal/config"
	"camoproxy/internal/disguise"
)

// WebSocket frame opcodes (RFC 6455, section 5.2).
const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

// maxFramePayload bounds single-frame messages. Fragmented and extended
// messages are not supported in terminating mode.
const maxFramePayload = 65535

var errFragmentedFrame = errors.New("fragmented frames are not supported")

// handleWebSocket answers the upgrade handshake locally and relays frame
// payloads to the backend: client frames are parsed and unmasked, backend
// bytes are wrapped in binary frames.
func handleWebSocket(ctx context.Context, client net.Conn, reader *bufio.Reader, cfg *config.Config) error {
	// The upgrade request is the one place the peeked bytes are consumed
	// locally instead of being forwarded.
	req, err := http.ReadRequest(reader)
	if err != nil {
		client.Write(disguise.BadRequest())
		return fmt.Errorf("reading upgrade request: %w", err)
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		client.Write(disguise.BadRequest())
		return errors.New("upgrade request is missing Sec-WebSocket-Key")
	}

	backend, err := dialBackend(ctx, ProtoWebSocket, cfg)
	if err != nil {
		if isDialTimeout(err) {
			client.Write(disguise.GatewayTimeout())
		} else {
			client.Write(disguise.BadGateway())
		}
		return err
	}
	defer backend.Close()
	if deadline, ok := ctx.Deadline(); ok {
		backend.SetDeadline(deadline)
	}

	if _, err := client.Write(disguise.UpgradeResponse(disguise.AcceptKey(key))); err != nil {
		return fmt.Errorf("writing upgrade response: %w", err)
	}

	return relayFrames(client, reader, backend)
}

type frame struct {
	fin     bool
	opcode  byte
	payload []byte
}

// readFrame parses one frame from r, unmasking the payload when the MASK bit
// is set. A truncated frame surfaces as io.ErrUnexpectedEOF.
func readFrame(r io.Reader) (frame, error) {
	var f frame
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return f, err
	}
	f.fin = hdr[0]&0x80 != 0
	if hdr[0]&0x70 != 0 {
		return f, errors.New("reserved bits set: extensions are not supported")
	}
	f.opcode = hdr[0] & 0x0f

	masked := hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7f)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return f, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return f, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > maxFramePayload {
		return f, fmt.Errorf("frame payload of %d bytes exceeds the %d byte limit", length, maxFramePayload)
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return f, err
		}
	}
	f.payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return f, err
	}
	if masked {
		for i := range f.payload {
			f.payload[i] ^= key[i&3]
		}
	}
	return f, nil
}

// writeFrame writes a single unmasked FIN frame (server-to-client frames are
// never masked).
func writeFrame(w io.Writer, opcode byte, payload []byte) error {
	buf := make([]byte, 0, 4+len(payload))
	buf = append(buf, 0x80|opcode)
	if l := len(payload); l < 126 {
		buf = append(buf, byte(l))
	} else {
		buf = append(buf, 126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(l))
	}
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// relayFrames runs the two directional loops of a terminated WebSocket
// session. Ping replies and data frames both target the client's write half,
// so client frame writes are serialized with a mutex.
func relayFrames(client net.Conn, clientReader io.Reader, backend net.Conn) error {
	var writeMu sync.Mutex
	writeClient := func(opcode byte, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeFrame(client, opcode, payload)
	}

	errc := make(chan error, 2)

	// backend -> client: raw bytes wrapped in binary frames.
	go func() {
		buf := make([]byte, bufferSize)
		for {
			n, err := backend.Read(buf)
			if n > 0 {
				if werr := writeClient(opBinary, buf[:n]); werr != nil {
					errc <- werr
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					writeClient(opClose, nil)
					err = nil
				}
				errc <- err
				return
			}
		}
	}()

	// client frames -> backend payload.
	go func() {
		for {
			f, err := readFrame(clientReader)
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				errc <- err
				return
			}
			if !f.fin || f.opcode == opContinuation {
				errc <- errFragmentedFrame
				return
			}
			switch f.opcode {
			case opText, opBinary:
				if _, err := backend.Write(f.payload); err != nil {
					errc <- err
					return
				}
			case opPing:
				if err := writeClient(opPong, f.payload); err != nil {
					errc <- err
					return
				}
			case opPong:
				// Unsolicited pongs are dropped.
			case opClose:
				writeClient(opClose, f.payload)
				errc <- nil
				return
			default:
				errc <- fmt.Errorf("unsupported opcode 0x%x", f.opcode)
				return
			}
		}
	}()

	err := <-errc
	// A close or failure in either direction terminates the whole session.
	client.Close()
	backend.Close()
	if err2 := <-errc; err == nil && err2 != nil && !errors.Is(err2, net.ErrClosed) {
		err = err2
	}
	return err
}

package proxy

import (
	"bufio"
	"context"
	"log"
	"net"
	"time"

	"camoproxy/internal/config"
	"camoproxy/internal/disguise"
)

// HandleConnection drives one accepted client connection through sniffing,
// the disguise or upgrade handshake, backend dispatch, and the relay. It
// never lets a failure escape: everything is logged and ends only this
// connection.
func HandleConnection(ctx context.Context, conn net.Conn, cfg *config.Config) {
	defer conn.Close()
	remote := conn.RemoteAddr()

	deadline := time.Now().Add(cfg.ClientTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	reader := bufio.NewReaderSize(conn, maxPeek)

	peeked, err := sniff(conn, reader, cfg.PeekTimeout)
	if err != nil {
		log.Printf("Sniffing error from %s: %v", remote, err)
		return
	}

	proto := Classify(peeked)
	if proto == ProtoUnknown && len(peeked) == 0 {
		proto = FallbackProtocol(cfg)
		log.Printf("No data from %s before the peek timeout, assuming %s", remote, proto)
	}

	// Everything past classification is bounded by the handling deadline.
	conn.SetDeadline(deadline)

	switch proto {
	case ProtoTLS:
		if sni, serr := sniFromClientHello(peeked); serr == nil {
			log.Printf("TLS connection from %s with SNI '%s'", remote, sni)
		}
	case ProtoWebSocket:
		if cfg.WSMode == config.WSTerminate {
			if err := handleWebSocket(ctx, conn, reader, cfg); err != nil {
				log.Printf("WebSocket session from %s failed: %v", remote, err)
			}
			return
		}
	case ProtoSSH, ProtoOpenVPN, ProtoHTTP, ProtoUnknown:
		// Tunnel clients expect the fake HTTP exchange before their real
		// protocol starts. The peeked bytes remain unconsumed underneath it
		// and are forwarded by the relay.
		if err := disguise.WriteHandshake(conn, cfg.Status); err != nil {
			log.Printf("Failed to write disguise handshake to %s: %v", remote, err)
			return
		}
	}

	backend, err := dialBackend(ctx, proto, cfg)
	if err != nil {
		log.Printf("Failed to reach the %s backend for %s: %v", proto, remote, err)
		writeDialFailure(conn, proto, err)
		return
	}
	defer backend.Close()
	backend.SetDeadline(deadline)

	log.Printf("Relaying %s traffic from %s to %s", proto, remote, backend.RemoteAddr())
	if err := relay(conn, reader, backend); err != nil {
		log.Printf("Relay error for %s: %v", remote, err)
		return
	}
	log.Printf("Connection from %s closed", remote)
}

// writeDialFailure surfaces a backend failure to HTTP-aware clients; opaque
// protocols get a silent close.
func writeDialFailure(conn net.Conn, proto Protocol, err error) {
	if proto != ProtoHTTP && proto != ProtoWebSocket {
		return
	}
	if isDialTimeout(err) {
		conn.Write(disguise.GatewayTimeout())
		return
	}
	conn.Write(disguise.BadGateway())
}

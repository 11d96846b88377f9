package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"camoproxy/internal/config"
)

// ErrBackendUnavailable is returned when every connection attempt to a
// backend has failed.
var ErrBackendUnavailable = errors.New("backend unavailable")

const (
	dialTimeout    = 10 * time.Second
	backoffInitial = 1 * time.Second
	maxRetries     = 5
)

// backendDialer connects to backends with bounded exponential backoff.
type backendDialer struct {
	dial         func(ctx context.Context, addr string) (net.Conn, error)
	initialDelay time.Duration
	maxRetries   int
}

func newBackendDialer() *backendDialer {
	d := &net.Dialer{Timeout: dialTimeout}
	return &backendDialer{
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
		initialDelay: backoffInitial,
		maxRetries:   maxRetries,
	}
}

// defaultDialer is swapped by tests to shorten backoff delays.
var defaultDialer = newBackendDialer()

// backendAddr resolves the backend address for a classification. Unknown
// traffic goes to the fallback protocol's backend rather than failing the
// connection.
func backendAddr(p Protocol, cfg *config.Config) string {
	switch p {
	case ProtoSSH:
		return cfg.SSHTarget
	case ProtoOpenVPN:
		return cfg.OpenVPNTarget
	case ProtoHTTP:
		return cfg.HTTPTarget
	case ProtoWebSocket:
		if cfg.WSTarget != "" {
			return cfg.WSTarget
		}
		return cfg.HTTPTarget
	case ProtoTLS:
		// Stunnel-style deployments front sshd with TLS, so TLS traffic goes
		// to the SSH backend unless a dedicated target is configured.
		if cfg.TLSTarget != "" {
			return cfg.TLSTarget
		}
		return cfg.SSHTarget
	default:
		return backendAddr(FallbackProtocol(cfg), cfg)
	}
}

// dialBackend connects to the backend for the given classification. Failed
// attempts are retried with a doubling delay (1s, 2s, 4s, ...) up to
// maxRetries times; a success returns immediately.
func dialBackend(ctx context.Context, p Protocol, cfg *config.Config) (net.Conn, error) {
	return defaultDialer.connect(ctx, backendAddr(p, cfg))
}

func (b *backendDialer) connect(ctx context.Context, addr string) (net.Conn, error) {
	delay := b.initialDelay
	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, err := b.dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrBackendUnavailable, addr, b.maxRetries+1, lastErr)
}

// isDialTimeout distinguishes a backend that timed out from one that refused,
// so HTTP-aware clients get a 504 instead of a 502.
func isDialTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

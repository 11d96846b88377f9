// Package server manages the listener lifecycle, connection admission, and
// graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"camoproxy/internal/config"
	"camoproxy/internal/proxy"
)

// Server is the main server object.
type Server struct {
	cfg *config.Config
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New creates a new server instance.
func New(cfg *config.Config) *Server {
	return &Server{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConnections)),
	}
}

// Run binds the configured port, serves until SIGINT or SIGTERM, then stops
// accepting and lets in-flight connections drain within the grace period.
func (s *Server) Run() error {
	// Dual-stack listener; "[::]" accepts both IPv4 and IPv6 clients.
	listener, err := net.Listen("tcp", fmt.Sprintf("[::]:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			log.Println("Shutdown signal received...")
		case <-ctx.Done():
		}
		cancel()
		listener.Close()
	}()

	log.Printf("Listening on %s", listener.Addr())
	s.Serve(ctx, listener)
	s.drain()
	return nil
}

// Serve runs the accept loop until the listener is closed or ctx is
// canceled. One admission permit is acquired before each accept; when the
// ceiling is reached the loop blocks here, giving backpressure instead of
// unbounded fan-out.
func (s *Server) Serve(ctx context.Context, listener net.Listener) {
	var retryDelay time.Duration

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Only fails when ctx is canceled, i.e. shutdown.
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient OS errors (EMFILE and friends) must not kill the
			// loop; retry with a small doubling delay.
			retryDelay = nextRetryDelay(retryDelay)
			log.Printf("Failed to accept connection: %v (retrying in %v)", err, retryDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		retryDelay = 0

		// The goroutine owns the permit for the whole connection lifetime.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			proxy.HandleConnection(ctx, conn, s.cfg)
		}()
	}
}

// drain waits for active connections up to the configured grace period.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Server shut down gracefully.")
	case <-time.After(s.cfg.GracePeriod):
		log.Printf("Grace period of %v elapsed with connections still active.", s.cfg.GracePeriod)
	}
}

func nextRetryDelay(d time.Duration) time.Duration {
	const (
		initial = 5 * time.Millisecond
		max     = 1 * time.Second
	)
	if d == 0 {
		return initial
	}
	if d *= 2; d > max {
		return max
	}
	return d
}

package main

import (
	"log"

	"camoproxy/internal/config"
	"camoproxy/internal/server"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// 1. Build the immutable configuration snapshot
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("Configuration loaded: port %d, fallback protocol '%s', max connections %d",
		cfg.Port, cfg.Fallback, cfg.MaxConnections)

	// 2. Create the server
	srv := server.New(cfg)

	// 3. Run it (blocks until a shutdown signal arrives and connections drain)
	if err := srv.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

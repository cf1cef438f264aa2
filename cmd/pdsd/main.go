// pdsd is a standalone repository-engine and firehose host for a
// federated PDS.
//
// It reads configuration from config.json in the working directory,
// opens the configured block store (in-memory or PostgreSQL), starts
// the firehose collector, and serves the seven com.atproto.sync.*
// wire methods over HTTP/WebSocket.
//
// Usage:
//
//	./pdsd                 # reads ./config.json, starts the server
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/northbound-pds/pds/internal/blockstore"
	"github.com/northbound-pds/pds/internal/config"
	"github.com/northbound-pds/pds/internal/firehose"
	"github.com/northbound-pds/pds/internal/keyring"
	"github.com/northbound-pds/pds/internal/repohost"
	"github.com/northbound-pds/pds/internal/server"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("pdsd starting...")

	cfg, err := config.Load("config.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s storage=%s)", cfg.ListenAddr, cfg.StorageDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open block store: %v", err)
	}
	defer closeStore()

	keys, err := keyring.Load("keys.json")
	if err != nil {
		log.Fatalf("Failed to load keyring: %v", err)
	}

	fh := firehose.New(store, cfg.FirehoseConfig())
	if err := fh.Start(ctx); err != nil {
		log.Fatalf("Failed to start firehose: %v", err)
	}

	host := repohost.New(store, keys, repohost.SystemClock{}, fh)

	srv := server.New(host, cfg.ListenAddr, nil)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("pdsd stopped")
}

// openStore opens the block store named by cfg.StorageDriver and
// returns a func to release its resources on shutdown.
func openStore(ctx context.Context, cfg *config.Config) (blockstore.Store, func(), error) {
	switch cfg.StorageDriver {
	case "postgres":
		pg, err := blockstore.OpenPGStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return blockstore.NewMemStore(), func() {}, nil
	}
}

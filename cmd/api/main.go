package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/httpapi"
	"medvault.org/internal/obs"
	"medvault.org/internal/qr"
	"medvault.org/internal/store/pg"
	"medvault.org/internal/stream"
	"medvault.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	threshold := envInt("MEDVAULT_ACTIVITY_THRESHOLD", audit.DefaultUnusualThreshold)

	// Storage: PostgreSQL when a DSN is configured, in-memory
	// otherwise. The in-memory mode is for development; tokens and
	// audit entries do not survive a restart.
	var (
		tokenStore token.Store
		ledger     audit.Ledger
		probe      httpapi.ReadyProbe
		pgStore    *pg.Store
	)
	if dsn := os.Getenv("MEDVAULT_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn, pg.WithUnusualThreshold(threshold))
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		tokenStore = pgStore
		ledger = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Print("MEDVAULT_PG_DSN not set, using in-memory storage")
		tokenStore = token.NewInMemory()
		ledger = audit.NewInMemory(audit.WithUnusualThreshold(threshold))
	}

	// Live audit stream; appends flow through the decorator.
	st := stream.New()
	ledger = stream.NewLedger(ledger, st)

	var opts []token.Option
	if n := envInt("MEDVAULT_CODE_LENGTH", 0); n > 0 {
		opts = append(opts, token.WithCodeLength(n))
	}
	if d := envDuration("MEDVAULT_MAX_TOKEN_TTL", 0); d > 0 {
		opts = append(opts, token.WithMaxDuration(d))
	}
	manager := token.NewManager(tokenStore, ledger, opts...)

	var codec *qr.Codec
	if keyHex := os.Getenv("MEDVAULT_QR_KEY"); keyHex != "" {
		var err error
		codec, err = qr.NewCodecFromHex(keyHex)
		if err != nil {
			log.Fatalf("qr key: %v", err)
		}
	} else {
		// Ephemeral key: QR payloads stop decoding after a restart,
		// which is fine for development.
		key, err := qr.GenerateKey()
		if err != nil {
			log.Fatalf("generate qr key: %v", err)
		}
		codec, err = qr.NewCodec(key)
		if err != nil {
			log.Fatalf("qr codec: %v", err)
		}
		log.Print("MEDVAULT_QR_KEY not set, using an ephemeral key")
	}

	api := httpapi.New(probe, version, manager, ledger, codec, st)

	addr := os.Getenv("MEDVAULT_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go manager.RunSweeper(sweepCtx, envDuration("MEDVAULT_SWEEP_INTERVAL", time.Minute))

	log.Printf("Starting medvault-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	return v
}

func envDuration(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	return v
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jltardim/chatwoot-linkedin/internal/api"
	"github.com/jltardim/chatwoot-linkedin/internal/chatwoot"
	"github.com/jltardim/chatwoot-linkedin/internal/config"
	"github.com/jltardim/chatwoot-linkedin/internal/dedupe"
	"github.com/jltardim/chatwoot-linkedin/internal/eventlog"
	"github.com/jltardim/chatwoot-linkedin/internal/store"
	"github.com/jltardim/chatwoot-linkedin/internal/unipile"
	"github.com/jltardim/chatwoot-linkedin/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	var db *sql.DB
	var dedupeStore dedupe.Store
	var events eventlog.Sink
	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			if err := store.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
				log.Fatalf("Auto-migration failed: %v", err)
			}
			log.Printf("Schema migrations applied")
		}

		opened, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Database connection failed: %v", err)
		}
		db = opened
		dedupeStore = store.NewDedupeStore(db)
		events = store.NewEventLogStore(db)
		log.Printf("Dedupe cache and event log backed by Postgres")
	} else {
		// Without a database the bridge still relays; it just cannot
		// suppress echoes or persist its audit trail.
		log.Printf("DATABASE_URL not set, echo suppression disabled")
	}

	helpdesk := chatwoot.New(cfg.Chatwoot.BaseURL, cfg.Chatwoot.AccountID, cfg.Chatwoot.InboxID, cfg.Chatwoot.APIToken, cfg.RequestTimeout, cfg.RequestRetries)
	provider := unipile.New(cfg.Unipile.BaseURL, cfg.Unipile.APIKey, cfg.RequestTimeout, cfg.RequestRetries)

	handler := webhook.NewHandler(
		helpdesk,
		provider,
		dedupe.NewGate(dedupeStore),
		eventlog.New(events),
		cfg.WebhookSecret,
		cfg.DedupeTTL,
	)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: api.NewRouter(handler)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.Printf("Chatwoot LinkedIn bridge starting on port %s", cfg.Port)
	err := waitForShutdown(ctx, srv, errCh, shutdownTimeout)
	closeDB(db)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	log.Printf("Shutdown complete")
}

// waitForShutdown blocks until the server fails or the context is cancelled
// by a termination signal, then drains in-flight requests within timeout.
func waitForShutdown(ctx context.Context, srv *http.Server, errCh <-chan error, timeout time.Duration) error {
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func closeDB(db *sql.DB) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
}

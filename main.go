package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/breez/association-sync/config"
	"github.com/breez/association-sync/crm"
	"github.com/breez/association-sync/store"
	"github.com/breez/association-sync/store/postgres"
	"github.com/breez/association-sync/store/sqlite"
	"github.com/breez/association-sync/supaglue"
	"github.com/breez/association-sync/syncer"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	storage, err := openStorage(config)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer storage.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reconciler, err := NewReconciler(config, storage, syncer.NewMetrics(registry))
	if err != nil {
		log.Fatalf("failed to create reconciler: %v", err)
	}

	quitChan := make(chan struct{})
	runner := NewSyncRunner(reconciler, config.SyncRunTimeout)
	runner.Start(config.SyncInterval, quitChan)

	s := CreateServer(config, runner, registry)
	go func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		close(quitChan)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Printf("failed to shutdown server: %v", err)
		}
	}()

	log.Printf("Server listening at %s", config.HttpListenAddress)
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("failed to serve: %v", err)
	}
}

func openStorage(config *config.Config) (store.AssociationStorage, error) {
	if config.PgDatabaseUrl != "" {
		return postgres.NewPGAssociationStorage(config.PgDatabaseUrl)
	}
	if dir := filepath.Dir(config.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory %v: %w", dir, err)
		}
	}
	return sqlite.NewSQLiteAssociationStorage(config.SQLitePath)
}

func NewReconciler(config *config.Config, storage store.AssociationStorage, metrics *syncer.Metrics) (*syncer.Reconciler, error) {
	client := supaglue.NewClient(config.SupaglueBaseURL, config.SupaglueAPIKey, config.HTTPTimeout)
	reader := crm.NewContactReader(client, crm.ReaderConfig{
		CustomerID:   config.CustomerID,
		ProviderName: config.ProviderName,
		PageSize:     config.PageSize,
		MaxRetries:   config.ReaderMaxRetries,
	})
	return syncer.NewReconciler(syncer.Config{
		CustomerID: config.CustomerID,
		Reader:     reader,
		Storage:    storage,
		TxOptions: store.TxOptions{
			MaxWait: config.TxMaxWait,
			Timeout: config.TxTimeout,
		},
		Metrics: metrics,
		Logger:  slog.Default(),
	})
}

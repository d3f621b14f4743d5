// assetbay server
//
// Multi-tenant asset storage layer with per-tenant backend selection and
// ordered fallback across managed bucket-API, S3-compatible, GCS-style,
// and local filesystem backends. Exposes Prometheus metrics and a health
// endpoint; route/controller surfaces live in the surrounding platform.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/assetbay/assetbay/internal/assetindex"
	"github.com/assetbay/assetbay/internal/config"
	"github.com/assetbay/assetbay/internal/logging"
	"github.com/assetbay/assetbay/internal/metrics"
	"github.com/assetbay/assetbay/internal/storage"
	"github.com/assetbay/assetbay/internal/storage/manager"
	"github.com/assetbay/assetbay/internal/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("assetbay server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("connecting to PostgreSQL...")
	configStore, err := tenant.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer configStore.Close()

	// Run migrations
	migrationsDir := findMigrationsDir()
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := configStore.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	order := make([]storage.BackendID, 0, len(cfg.FallbackOrder))
	for _, s := range cfg.FallbackOrder {
		id, err := storage.ParseBackendID(s)
		if err != nil {
			logging.Fatal("invalid fallback order", zap.Error(err))
		}
		order = append(order, id)
	}

	var index manager.UploadNotifier
	if cfg.AssetIndexEnabled {
		index = assetindex.New(configStore.DB())
		logging.Info("asset index enabled")
	}

	mgr, err := manager.New(manager.Options{
		Store:              configStore,
		FallbackOrder:      order,
		ProbeTimeout:       cfg.ProbeTimeout,
		ListTimeout:        cfg.ListTimeout,
		CacheSize:          cfg.ClientCacheSize,
		LocalRoot:          cfg.LocalStorageRoot,
		LocalPublicBaseURL: cfg.LocalPublicBaseURL,
		MaxUploadSize:      cfg.MaxUploadSize,
		Index:              index,
	})
	if err != nil {
		logging.Fatal("storage manager init failed", zap.Error(err))
	}
	logging.Info("storage manager initialized",
		zap.Any("fallback_order", order),
		zap.Duration("probe_timeout", cfg.ProbeTimeout))

	// Metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Health endpoint; the platform's API layer consumes the manager
	// directly as a library.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				configStore.UpdateConnectionMetrics()
			}
		}
	}()

	// Reload the fallback order on SIGHUP so operators can reorder
	// backends without a restart.
	go func() {
		hupCh := make(chan os.Signal, 1)
		signal.Notify(hupCh, syscall.SIGHUP)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				fresh, err := config.Load()
				if err != nil {
					logging.Error("config reload failed", zap.Error(err))
					continue
				}
				order := make([]storage.BackendID, 0, len(fresh.FallbackOrder))
				ok := true
				for _, s := range fresh.FallbackOrder {
					id, err := storage.ParseBackendID(s)
					if err != nil {
						logging.Error("config reload: invalid fallback order", zap.Error(err))
						ok = false
						break
					}
					order = append(order, id)
				}
				if ok {
					mgr.SetFallbackOrder(order)
				}
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
		"../../migrations",
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return ""
}

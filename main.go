package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wa_sync/internal/broadcast"
	"wa_sync/internal/config"
	"wa_sync/internal/database"
	"wa_sync/internal/handlers"
	"wa_sync/internal/logging"
	"wa_sync/internal/services"
	"wa_sync/internal/sessionstore"
	"wa_sync/internal/whatsapp"
)

// CORS middleware
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowAll := false
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || origins[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, ngrok-skip-browser-warning")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func main() {
	cfg := config.Load()

	logger, flush, err := logging.Init(cfg)
	if err != nil {
		panic(err)
	}
	defer flush()

	if err := run(cfg); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)

	blobs, err := sessionstore.New(ctx, cfg.Session, db, cfg.WhatsApp.SessionDir)
	if err != nil {
		return err
	}
	defer blobs.Close()

	store := services.NewStore(db)
	devices, err := whatsapp.NewDeviceProvider(ctx, cfg.WhatsApp, blobs, store)
	if err != nil {
		return err
	}
	defer devices.Close()

	hub := broadcast.NewHub(cfg.CORSOrigins)
	channel := broadcast.NewChannel()
	channel.Initialize(hub)

	manager := whatsapp.NewManager(whatsapp.Options{
		Store:         store,
		Factory:       whatsapp.NewWhatsmeowFactory(devices),
		Blobs:         blobs,
		Channel:       channel,
		Sync:          cfg.Sync,
		DefaultTenant: cfg.WhatsApp.DefaultTenant,
	})

	scheduler, err := whatsapp.NewScheduler(manager, cfg.Sync.ReconcileSchedule)
	if err != nil {
		return err
	}
	scheduler.Start()

	r := mux.NewRouter()
	handlers.NewWhatsAppHandler(manager, store).RegisterRoutes(r)
	health := handlers.NewHealthHandler(func(ctx context.Context) error {
		return database.Ping(ctx, db)
	})
	r.HandleFunc("/status", health.Status).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/ws", hub)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsMiddleware(cfg.CORSOrigins)(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.L().Info("WhatsApp sync API started",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.Env),
			zap.String("database", cfg.Database.Type),
			zap.String("session_store", cfg.Session.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(cfg.Sync.ShutdownTimeout, server, scheduler, hub, manager)
	})

	return g.Wait()
}

// shutdown stops accepting requests, then retires every session so the next
// start restores them from the session store.
func shutdown(timeout time.Duration, server *http.Server, scheduler *whatsapp.Scheduler, hub *broadcast.Hub, manager *whatsapp.Manager) error {
	zap.L().Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := server.Shutdown(ctx)
	hub.Close()
	scheduler.Stop(ctx)
	manager.Shutdown(ctx)
	return err
}

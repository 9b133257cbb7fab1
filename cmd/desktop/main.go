// Package main provides the local HTTP API for desktop shells.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/fieldsync/cmd/desktop/handlers"
	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

const serviceName = "fieldsync-desktop"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

// run serves the desktop API until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	hub := NewWSHub()
	defer hub.Stop()

	a, err := app.New(ctx, cfg, app.WithEventHandler(hub), app.WithNotifier(hub))
	if err != nil {
		return err
	}
	defer a.Close()

	defer attachHub(a, hub)()

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server starting", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down desktop server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// attachHub forwards queue and connectivity changes to hub. Sync events reach
// it through the engine options given to app.New.
func attachHub(a *app.App, hub *WSHub) (detach func()) {
	a.Queue.SetChangeHandler(hub.BroadcastQueueChanged)
	unsubscribe := a.Monitor.Subscribe(hub.BroadcastConnectivityChanged)
	return func() {
		unsubscribe()
		a.Queue.SetChangeHandler(nil)
	}
}

// newRouter registers every desktop route.
func newRouter(a *app.App, hub *WSHub) chi.Router {
	syncHandler := handlers.NewSyncHandler(a)
	dataHandler := handlers.NewDataHandler(a)
	deviceHandler := handlers.NewDeviceHandler(a)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/ws", HandleWebSocket(hub))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
		})
		r.Get("/status", syncHandler.GetStatus)

		r.Get("/queue", syncHandler.ListQueue)
		r.Post("/queue", syncHandler.AddToQueue)
		r.Delete("/queue", syncHandler.ClearQueue)
		r.Post("/queue/process", syncHandler.ProcessQueue)

		r.Get("/fetch", dataHandler.Fetch)
		r.Post("/submit", dataHandler.Submit)

		r.Post("/connectivity", deviceHandler.SetConnectivity)
		r.Post("/session", deviceHandler.SignIn)
		r.Delete("/session", deviceHandler.SignOut)
	})

	return r
}

// requestLogger logs each request through the structured logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

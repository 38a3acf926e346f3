// Command termfluxd is the termflux daemon process: it wires the
// container driver, cache, secret store, provisioner, terminal gateway,
// workflow engine, and relational store, mounts the gateway on the
// configured listen address, and runs until a signal arrives.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/termflux/termflux/internal/cache"
	"github.com/termflux/termflux/internal/config"
	"github.com/termflux/termflux/internal/container"
	"github.com/termflux/termflux/internal/gateway"
	"github.com/termflux/termflux/internal/metrics"
	"github.com/termflux/termflux/internal/provisioner"
	"github.com/termflux/termflux/internal/records"
	"github.com/termflux/termflux/internal/secret"
	"github.com/termflux/termflux/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("termfluxd: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := cfg.NewLogger()

	// Process-wide clients are constructed once here and closed on
	// shutdown in reverse order.
	driver, err := container.NewClient(cfg.DockerHost, log)
	if err != nil {
		log.WithError(err).Fatal("termfluxd: connect container runtime")
	}

	store, err := records.New(cfg.PostgresDSN, log)
	if err != nil {
		log.WithError(err).Fatal("termfluxd: connect relational store")
	}
	if err := store.Migrate(context.Background()); err != nil {
		log.WithError(err).Fatal("termfluxd: migrate relational store")
	}

	redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisDB, log)

	queue, err := workflow.NewNATSQueue(cfg.NATSURL, log)
	if err != nil {
		log.WithError(err).Fatal("termfluxd: connect workflow queue")
	}

	secrets := secret.New(cfg.MasterKey(), records.NewSecretRepo(store), driver)
	engine := workflow.NewEngine(queue, records.NewWorkflowRepo(store), driver, cfg.WorkflowConcurrency, log)
	prov := provisioner.New(driver, redisCache, secrets, provisioner.NewStoreRepo(store), log)
	gw := gateway.New(driver, redisCache, gateway.NewStoreRepo(store), log)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/metrics", metrics.Handler())
	// The provisioning REST surface lives in a separate service; health
	// aggregation is termflux's only other externally-observable endpoint.
	mux.HandleFunc("/healthz/", func(w http.ResponseWriter, r *http.Request) {
		workspaceID := strings.TrimPrefix(r.URL.Path, "/healthz/")
		if workspaceID == "" {
			http.Error(w, "missing workspace id", http.StatusBadRequest)
			return
		}
		h, err := prov.Health(r.Context(), workspaceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("termfluxd: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("termfluxd: http server exited")
		}
	}()

	<-ctx.Done()
	log.Info("termfluxd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("termfluxd: http shutdown")
	}
	gw.Shutdown()

	engine.Stop()

	// Reverse init order: queue, cache, store, driver.
	if err := queue.Close(); err != nil {
		log.WithError(err).Warn("termfluxd: close workflow queue")
	}
	if err := redisCache.Close(); err != nil {
		log.WithError(err).Warn("termfluxd: close cache")
	}
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("termfluxd: close relational store")
	}
	if err := driver.Close(); err != nil {
		log.WithError(err).Warn("termfluxd: close container runtime")
	}
}

// Command syncd runs the CareGo sync core as a local daemon: it owns the
// offline queue, the sync engine, and the HTTP bridge UI shells talk to.
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

	"go.uber.org/zap"

	"github.com/caregohq/carego-sync/internal/api"
	"github.com/caregohq/carego-sync/internal/config"
	"github.com/caregohq/carego-sync/internal/conflict"
	"github.com/caregohq/carego-sync/internal/engine"
	"github.com/caregohq/carego-sync/internal/gateway"
	"github.com/caregohq/carego-sync/internal/logging"
	"github.com/caregohq/carego-sync/internal/metrics"
	"github.com/caregohq/carego-sync/internal/network"
	"github.com/caregohq/carego-sync/internal/queue"
	"github.com/caregohq/carego-sync/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (optional)")
	flag.Parse()

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	cfg := watcher.Current()

	logging.Init(cfg.Server.Environment, cfg.Log.Level)
	defer logging.Sync()

	if err := run(watcher); err != nil {
		logging.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(watcher *config.Watcher) error {
	cfg := watcher.Current()

	st, err := store.Open(&cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.New(st, watcher.Current)
	mon := network.NewMonitor()

	prober := network.NewProber(mon, cfg.Network)
	prober.Start()
	defer prober.Stop()

	res := conflict.NewResolver(func(model string) string {
		return watcher.Current().ConflictModeFor(model)
	})
	observer := metrics.NewPrometheusObserver()

	eng := engine.New(q, gateway.NewHTTPGateway(cfg.Gateway, tokenFromEnv()), mon, res, watcher.Current, observer)
	eng.Start()
	defer eng.Stop()

	// Reload reactions: re-rank queued work under the new priority table
	// and let the engine pick up new backoff and retry settings.
	watcher.OnChange(func(*config.Config) {
		if n, err := q.ReapplyPriorities(context.Background()); err != nil {
			logging.Warn("reapply priorities after reload", zap.Error(err))
		} else if n > 0 {
			logging.Info("priorities reapplied", zap.Int("changed", n))
		}
		eng.Poke()
	})
	watcher.Watch()

	hub := api.NewHub(q)
	defer hub.Close()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewRouter(api.NewHandler(q, eng, mon, observer), hub),
	}

	go func() {
		logging.Info("bridge listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("env", cfg.Server.Environment),
			zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logging.Info("server exited properly")
	return nil
}

// tokenFromEnv supplies the bearer token for the mutation gateway. An unset
// token means unauthenticated, which dev servers accept.
func tokenFromEnv() gateway.TokenSource {
	token := os.Getenv("CAREGO_API_TOKEN")
	if token == "" {
		return nil
	}
	return func(context.Context) (string, error) {
		return token, nil
	}
}

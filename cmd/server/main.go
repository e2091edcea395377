package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"birdsong-orchestrator/internal/bus"
	"birdsong-orchestrator/internal/orchestrator"
	"birdsong-orchestrator/internal/platform/config"
	"birdsong-orchestrator/internal/platform/logger"
	"birdsong-orchestrator/internal/platform/metrics"
	"birdsong-orchestrator/internal/protocol"
	"birdsong-orchestrator/internal/search"
	"birdsong-orchestrator/internal/store"
	"birdsong-orchestrator/internal/worker"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	stateDir := config.GetEnv("STATE_DIR", "state")
	waitGap := config.GetEnvMillis("WAIT_GAP_MS", orchestrator.DefaultWaitGap)
	gain := config.GetEnvFloat("GAIN", worker.DefaultGain)
	autoResume := config.GetEnvBool("AUTO_RESUME", false)
	searchBase := config.GetEnv("XC_BASE_URL", "")
	searchTTL := config.GetEnvMillis("SEARCH_CACHE_TTL_MS", 0)

	log := logger.New(logLevel, logFormat)

	st, err := store.NewFileStore(stateDir)
	if err != nil {
		log.Error("open state store", "error", err)
		os.Exit(1)
	}
	// The preference record is env-seeded on first run only; afterwards
	// the stored value wins.
	if _, ok, _ := st.LoadOptions(); !ok {
		_ = st.SaveOptions(protocol.Options{AutoResume: autoResume})
	}

	b := bus.New(64)
	met := metrics.New()
	searcher := search.NewXenoCantoClient(search.Config{BaseURL: searchBase, CacheTTL: searchTTL}, log)

	loader := worker.NewHTTPLoader(30 * time.Second)
	workers := worker.NewManager(b, func(ctx context.Context) (*worker.Worker, error) {
		return worker.New(b, loader, worker.SpeakerOutput{}, gain, log), nil
	})

	orch := orchestrator.New(b, st, searcher, workers, waitGap, log, met)
	orch.Register()

	if err := orch.Recover(context.Background(), orchestrator.ReasonHostRestart); err != nil {
		log.Error("startup recovery failed", "error", err)
	}

	h := orchestrator.NewHandler(b, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(nil).ServeHTTP(w, req)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"wait_gap", waitGap.String(),
		"state_dir", stateDir,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// Command relay-server runs a webhook-style message relay gated by the
// shared chat rate limiter. It exists both as a deployable entry point and
// as the reference wiring for embedding the limiter in another service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaymsg/chat-limiter/internal/config"
	"github.com/relaymsg/chat-limiter/pkg/limiter"
	"github.com/relaymsg/chat-limiter/pkg/throttle"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet; configuration errors abort startup.
		panic(err)
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()

	tcfg := cfg.Throttle()
	tcfg.Recorder = limiter.NewPrometheusRecorder(reg)

	guard := throttle.NewGuard(tcfg, log)
	defer guard.Close()
	gate := throttle.NewGate(guard, log)

	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.With(gate.Middleware).Post("/webhook", handleWebhook(log))

	r.Get("/limits/stats", handleStats(guard, log))
	r.Delete("/limits/{scope}", handleReset(guard, log))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("relay server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.Bool("limiter_enabled", cfg.Enabled),
			zap.String("redis", cfg.Redis.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// requestID tags every request with a correlation id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func handleWebhook(log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, _ := throttle.VerdictFromContext(r.Context())
		log.Debug("message admitted",
			zap.String("conversation", r.Header.Get("X-Conversation-ID")),
			zap.Int64("consumed", v.Remaining))
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleStats(guard *throttle.Guard, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := throttle.Request{
			ConversationID: r.URL.Query().Get("conversation"),
			BotID:          r.URL.Query().Get("bot"),
		}
		report, err := guard.Stats(r.Context(), req)
		if err != nil {
			log.Error("stats failed", zap.Error(err))
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func handleReset(guard *throttle.Guard, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := throttle.Scope(chi.URLParam(r, "scope"))
		req := throttle.Request{
			ConversationID: r.URL.Query().Get("conversation"),
			BotID:          r.URL.Query().Get("bot"),
		}
		if err := guard.Reset(r.Context(), scope, req); err != nil {
			log.Error("reset failed", zap.String("scope", string(scope)), zap.Error(err))
			http.Error(w, "reset failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

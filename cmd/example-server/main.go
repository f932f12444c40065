package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-gateway/middleware/ratelimit"
	"relay-gateway/middleware/ratelimit/application"
	"relay-gateway/middleware/ratelimit/infra"

	log "github.com/sirupsen/logrus"
)

func main() {
	// Exemplo: middleware de admissão direto no seu webserver, só com o
	// contador local (sem Redis). O chat vem do header X-Chat-Id.
	logger := log.StandardLogger()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	local := infra.NewLocalCounter()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	janitorDone := local.StartJanitor(ctx)

	limiter := application.Service{
		Local:  local,
		Health: application.NewHealthMonitor(application.WithFallbackOnly(), application.WithHealthLogger(logger)),
		Limit:  5,
		Window: 10 * time.Second,
		Logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	h := http.Handler(mux)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50, Logger: logger})(h)
	h = ratelimit.Middleware(ratelimit.Options{
		Limiter:             limiter,
		KeyHeader:           "X-Chat-Id", // sem header: cai no IP
		TrustXForwardedFor:  true,
		AddRateLimitHeaders: true,
		Limit:               limiter.Limit,
		Logger:              logger,
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("example server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("server error")
	}
	<-janitorDone
}

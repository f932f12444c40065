package ratelimit

import (
	"errors"
	"net/http"
	"time"

	"relay-gateway/middleware/ratelimit/application"
	"relay-gateway/middleware/ratelimit/infra"

	log "github.com/sirupsen/logrus"
)

type ConcurrencyOptions struct {
	Max            int
	RejectStatus   int
	AcquireTimeout time.Duration
	Logger         log.FieldLogger
}

// ConcurrencyMiddleware limita quantos webhooks rodam ao mesmo tempo.
// Sem vaga dentro do AcquireTimeout: 503. Cliente que desistiu: nada é escrito.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	svc := application.ConcurrencyService{
		Pool:           infra.NewChanPool(opts.Max),
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := svc.Acquire(r.Context())
			if err != nil {
				if errors.Is(err, application.ErrNoSlot) {
					opts.Logger.WithField("max", opts.Max).Warn("concurrency limit reached")
					writeJSON(w, opts.RejectStatus, rejection{Error: "busy, try again later"})
				}
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

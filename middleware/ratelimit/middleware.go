package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	log "github.com/sirupsen/logrus"
)

// KeyFunc extrai a identidade do chat da requisição.
// String vazia significa "sem chat": a requisição passa sem consumir cota.
type KeyFunc func(r *http.Request) string

type Options struct {
	Limiter             domain.Checker
	Stats               domain.StatsStore
	KeyFn               KeyFunc
	KeyHeader           string
	TrustXForwardedFor  bool
	RejectStatus        int
	AddRateLimitHeaders bool
	// Limit só alimenta o header X-RateLimit-Limit.
	Limit  int
	Logger log.FieldLogger
}

// DefaultKeyFunc usa o header informado, depois X-Forwarded-For (se confiável)
// e por fim o RemoteAddr.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// Middleware consulta o Limiter antes do handler. Negado: responde RejectStatus
// (429) com Retry-After e não chama o próximo handler.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	return func(next http.Handler) http.Handler {
		if opts.Limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			dec := opts.Limiter.Check(r.Context(), domain.ChatID(key))

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Key", key)
				w.Header().Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
				w.Header().Set("X-RateLimit-Source", dec.Source)
				if opts.Limit > 0 {
					w.Header().Set("X-RateLimit-Limit", formatInt(opts.Limit))
				}
			}

			if opts.Stats != nil {
				err := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Chat:    domain.ChatID(key),
					Allowed: dec.Allowed,
					Source:  dec.Source,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      time.Now(),
				})
				if err != nil {
					opts.Logger.WithError(err).Debug("rate limit: stats record failed")
				}
			}

			if !dec.Allowed {
				secs := retryAfterSeconds(dec.RetryAfter)
				opts.Logger.WithFields(log.Fields{
					"chat":        key,
					"retry_after": secs,
					"source":      dec.Source,
				}).Warn("rate limit exceeded")

				w.Header().Set("Retry-After", formatInt(secs))
				writeJSON(w, opts.RejectStatus, rejection{
					Error:      "rate limited, retry after " + formatInt(secs) + " seconds",
					RetryAfter: secs,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type rejection struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

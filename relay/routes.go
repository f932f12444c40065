// Package relay é o colaborador do webhook: recebe updates do Telegram,
// consulta a IA com o histórico recente do chat e responde no chat.
//
// A admissão por chat fica no middleware de rate limit, montado na rota
// /webhook antes de qualquer trabalho de IA ou banco.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader é devolvido em toda resposta.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RouterOptions reúne os handlers e middlewares montados pelo binário.
// Middlewares nil são ignorados.
type RouterOptions struct {
	Webhook http.Handler
	Health  http.Handler

	// ordem no /webhook: Track -> Admission -> Concurrency -> Webhook
	Track       func(http.Handler) http.Handler
	Admission   func(http.Handler) http.Handler
	Concurrency func(http.Handler) http.Handler

	Logger log.FieldLogger
}

func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	if opts.Health != nil {
		r.Method(http.MethodGet, "/health", opts.Health)
	}

	if opts.Webhook != nil {
		var chain []func(http.Handler) http.Handler
		for _, mw := range []func(http.Handler) http.Handler{opts.Track, opts.Admission, opts.Concurrency} {
			if mw != nil {
				chain = append(chain, mw)
			}
		}
		r.With(chain...).Method(http.MethodPost, "/webhook", opts.Webhook)
	}

	return r
}

// RequestID usa o id do header quando o cliente manda um; senão gera um UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID devolve o id colocado por RequestID, ou "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func accessLog(logger log.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(log.Fields{
				"request_id": GetRequestID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"elapsed":    time.Since(start).String(),
			}).Debug("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

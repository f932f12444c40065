package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"relay-gateway/config"
	"relay-gateway/middleware/ratelimit/infra"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Resources são as referências emprestadas aos handlers. Quem libera é o Manager.
type Resources struct {
	HTTP  *http.Client
	Redis *redis.Client // nil em modo só-fallback
	DB    *gorm.DB      // nil quando HISTORY_DSN está vazio
	Local *infra.LocalCounter
}

// AcquireAll cria os recursos na ordem: pool HTTP, Redis, banco, janitor do
// contador local. Qualquer falha libera o que já foi criado.
func AcquireAll(ctx context.Context, cfg config.Config, logger log.FieldLogger) (*Manager, *Resources, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	m := NewManager(logger)
	res := &Resources{}

	if err := m.Acquire(ctx, "http-client", func(context.Context) (ReleaseFunc, error) {
		res.HTTP = NewHTTPClient()
		return func(context.Context) error {
			res.HTTP.CloseIdleConnections()
			return nil
		}, nil
	}); err != nil {
		return nil, nil, err
	}

	if cfg.RedisURL != "" {
		if err := m.Acquire(ctx, "redis", func(ctx context.Context) (ReleaseFunc, error) {
			rdb, err := OpenRedis(ctx, cfg.RedisURL, logger)
			if err != nil {
				return nil, err
			}
			res.Redis = rdb
			return func(context.Context) error { return rdb.Close() }, nil
		}); err != nil {
			return nil, nil, err
		}
	}

	if cfg.HistoryDSN != "" {
		if err := m.Acquire(ctx, "history-db", func(ctx context.Context) (ReleaseFunc, error) {
			db, err := OpenDB(cfg.HistoryDSN)
			if err != nil {
				return nil, err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, err
			}
			if err := sqlDB.PingContext(ctx); err != nil {
				_ = sqlDB.Close()
				return nil, fmt.Errorf("ping history db: %w", err)
			}
			res.DB = db
			return func(context.Context) error { return sqlDB.Close() }, nil
		}); err != nil {
			return nil, nil, err
		}
	}

	if err := m.Acquire(ctx, "local-counter-janitor", func(context.Context) (ReleaseFunc, error) {
		res.Local = infra.NewLocalCounter(
			infra.WithSweepAfter(cfg.SweepWindows),
			infra.WithJanitorEvery(cfg.JanitorEvery),
		)
		jctx, cancel := context.WithCancel(context.Background())
		done := res.Local.StartJanitor(jctx)
		return func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return errors.New("janitor did not stop")
			}
		}, nil
	}); err != nil {
		return nil, nil, err
	}

	return m, res, nil
}

// NewHTTPClient devolve o cliente de saída compartilhado (Telegram e IA).
// Sem Timeout global: cada chamada leva o próprio prazo no ctx.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// OpenRedis cria o cliente a partir de REDIS_URL. URL inválida é erro de
// configuração; Redis fora do ar só gera aviso, o HealthMonitor cuida do resto.
func OpenRedis(ctx context.Context, rawURL string, logger log.FieldLogger) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "redis_url", Reason: err.Error()}
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.WithError(err).WithField("addr", opts.Addr).Warn("redis unreachable at startup, admission keeps calling it until the failure threshold trips the breaker")
	}
	return rdb, nil
}

// OpenDB abre o banco do histórico. DSN postgres:// ou postgresql:// usa
// Postgres; qualquer outro valor é tratado como SQLite.
func OpenDB(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	return db, nil
}

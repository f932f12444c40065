package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"relay-gateway/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		log.WithError(err).Error("gateway exited with error")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	serve := newServeCmd(v)
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Telegram -> AI relay with per-chat admission control",
		Long: `Recebe webhooks do Telegram, aplica o limite por chat (Redis com fallback
local) e responde com o backend de IA. Sem subcomando, executa "serve".`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return nil
			}
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return &config.ConfigurationError{Key: "config", Reason: err.Error()}
			}
			return nil
		},
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml/json/toml); env vars still win")
	root.AddCommand(serve, newSetWebhookCmd(v))
	return root
}

// setupLogging configura o logger padrão do logrus, usado por todos os pacotes.
func setupLogging(cfg config.Config) (log.FieldLogger, error) {
	logger := log.StandardLogger()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "log_level", Reason: err.Error()}
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return nil, &config.ConfigurationError{Key: "log_format", Reason: "must be text or json"}
	}
	return logger, nil
}

// loadConfig lê a configuração e prepara o logger; check valida o que o comando exige.
func loadConfig(v *viper.Viper, check func(config.Config) error) (config.Config, log.FieldLogger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, err
	}
	if check != nil {
		if err := check(cfg); err != nil {
			return config.Config{}, nil, err
		}
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

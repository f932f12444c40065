package main

import (
	"context"
	"time"

	"relay-gateway/config"
	"relay-gateway/lifecycle"
	"relay-gateway/relay"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSetWebhookCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "set-webhook",
		Short: "Register <PUBLIC_URL>/webhook with the Telegram Bot API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v, config.Config.RequireWebhook)
			if err != nil {
				return err
			}

			httpClient := lifecycle.NewHTTPClient()
			defer httpClient.CloseIdleConnections()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			url := cfg.PublicURL + "/webhook"
			tg := relay.NewTelegramClient(httpClient, cfg.TelegramAPIURL, cfg.TelegramToken, cfg.TelegramRPS, logger)
			if err := tg.SetWebhook(ctx, url); err != nil {
				return err
			}
			logger.WithField("url", url).Info("webhook registered")
			return nil
		},
	}
}

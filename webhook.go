package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baibot/bai/internal/telegram"
)

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the Telegram webhook registration",
	}

	cmd.AddCommand(newWebhookSetCmd())
	cmd.AddCommand(newWebhookInfoCmd())
	cmd.AddCommand(newWebhookDeleteCmd())

	return cmd
}

func newWebhookSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [url]",
		Short: "Point Telegram at url (defaults to WEBHOOK_URL)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			url := cfg.WebhookURL
			if len(args) == 1 {
				url = args[0]
			}
			if url == "" {
				return fmt.Errorf("no webhook URL given and WEBHOOK_URL is not set")
			}

			bot, err := telegram.NewBot(cfg.TelegramBotToken)
			if err != nil {
				return err
			}
			if err := bot.SetWebhook(url); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Webhook set to %s\n", url)
			return nil
		},
	}
}

func newWebhookInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the current webhook registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			bot, err := telegram.NewBot(cfg.TelegramBotToken)
			if err != nil {
				return err
			}
			info, err := bot.WebhookInfo()
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}

func newWebhookDeleteCmd() *cobra.Command {
	var dropPending bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the webhook so the bot can long-poll",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			bot, err := telegram.NewBot(cfg.TelegramBotToken)
			if err != nil {
				return err
			}
			if err := bot.DeleteWebhook(dropPending); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Webhook deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "Discard updates Telegram has queued")
	return cmd
}

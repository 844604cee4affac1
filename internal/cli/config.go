package cli

import (
	"github.com/spf13/cobra"

	"stock-alerter/internal/config"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			masked := maskCredentials(*app.Config)
			if output.IsJSON() {
				return output.JSON(masked)
			}
			showConfig(output, &masked)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.ConfigDir})
			}
			output.Println(app.ConfigDir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"valid": true, "source": app.Config.FeedSource()})
			}
			output.Success("Configuration is valid")
			if src := app.Config.FeedSource(); src != app.Config.Feed.Source {
				output.Warning("Price source %q has no credentials, %q will be used", app.Config.Feed.Source, src)
			}
			return nil
		},
	})

	return cmd
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

func maskCredentials(cfg config.Config) config.Config {
	cfg.Credentials.FMP.APIKey = mask(cfg.Credentials.FMP.APIKey)
	cfg.Credentials.Kite.APIKey = mask(cfg.Credentials.Kite.APIKey)
	cfg.Credentials.Kite.AccessToken = mask(cfg.Credentials.Kite.AccessToken)
	cfg.Notifications.Telegram.BotToken = mask(cfg.Notifications.Telegram.BotToken)
	cfg.Notifications.Email.Password = mask(cfg.Notifications.Email.Password)
	return cfg
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Database")
	output.Printf("  path:            %s\n", cfg.Database.Path)

	output.Bold("Feed")
	output.Printf("  source:          %s (using %s)\n", cfg.Feed.Source, cfg.FeedSource())
	output.Printf("  interval:        %s\n", cfg.Feed.Interval)
	output.Printf("  rate limit:      %.1f/s burst %d\n", cfg.Feed.RateLimit, cfg.Feed.Burst)

	output.Bold("Evaluation")
	output.Printf("  pass timeout:    %s\n", cfg.Evaluation.PassTimeout)
	output.Printf("  workers:         %d\n", cfg.Evaluation.Workers)

	output.Bold("Digest")
	output.Printf("  enabled:         %t\n", cfg.Digest.Enabled)
	output.Printf("  interval:        %s\n", cfg.Digest.Interval)

	n := cfg.Notifications
	output.Bold("Notifications")
	output.Printf("  enabled:         %t (level %s)\n", n.Enabled, n.Level)
	output.Printf("  log:             %t\n", n.Log.Enabled)
	output.Printf("  webhook:         %t\n", n.Webhook.Enabled)
	output.Printf("  telegram:        %t\n", n.Telegram.Enabled)
	output.Printf("  email:           %t\n", n.Email.Enabled)
	output.Printf("  kafka:           %t %v %s\n", n.Kafka.Enabled, n.Kafka.Brokers, n.Kafka.Topic)

	output.Bold("Metrics")
	output.Printf("  enabled:         %t on %s\n", cfg.Metrics.Enabled, cfg.Metrics.Listen)

	output.Bold("Credentials")
	output.Printf("  fmp api key:     %s\n", orNone(cfg.Credentials.FMP.APIKey))
	output.Printf("  kite api key:    %s\n", orNone(cfg.Credentials.Kite.APIKey))
}

func orNone(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// Package cli provides the command-line interface for the alerter.
package cli

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"stock-alerter/internal/alerts"
	"stock-alerter/internal/config"
	"stock-alerter/internal/logging"
	"stock-alerter/internal/notify"
	"stock-alerter/internal/store"
	"stock-alerter/pkg/utils"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies. Config and Store are created on
// first use unless already set.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
	Store     store.DataStore

	mu        sync.Mutex
	ownsStore bool
	notifier  *notify.MultiNotifier
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	return newRootCmd(&App{Logger: logger})
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alerter",
		Short: "Stock price alerts",
		Long: `Stock Alerter records stock prices and evaluates user-defined alerts against them.

Threshold alerts fire on every price that meets their condition. Duration alerts
fire once the condition has held for the configured number of minutes.

Use 'alerter run' to start polling prices and evaluating alerts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.loadConfig(cmd); err != nil {
				return err
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/stock-alerter)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newEvaluateCmd(app))
	rootCmd.AddCommand(newObserveCmd(app))
	rootCmd.AddCommand(newInstrumentCmd(app))
	rootCmd.AddCommand(newUserCmd(app))
	rootCmd.AddCommand(newAlertCmd(app))
	rootCmd.AddCommand(newTriggersCmd(app))

	return rootCmd
}

func (a *App) loadConfig(cmd *cobra.Command) error {
	if a.Config != nil {
		return nil
	}

	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	a.Config = cfg
	a.ConfigDir = dir

	a.Logger = logging.NewLoggerWithConfig(logging.LogConfig{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.File,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	return nil
}

// store opens the SQLite store on first use.
func (a *App) store() (store.DataStore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Store != nil {
		return a.Store, nil
	}
	s, err := store.NewSQLiteStore(a.Config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.Logger.Debug().Str("path", a.Config.Database.Path).Msg("SQLite store initialized")
	a.Store = s
	a.ownsStore = true
	return s, nil
}

func (a *App) notifications() (*notify.MultiNotifier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.notifier != nil {
		return a.notifier, nil
	}
	n, err := notify.NewMultiNotifier(&a.Config.Notifications, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("configuring notifications: %w", err)
	}
	a.notifier = n
	return n, nil
}

// coordinator wires the store and notification channels into an evaluation
// coordinator.
func (a *App) coordinator() (*alerts.Coordinator, error) {
	st, err := a.store()
	if err != nil {
		return nil, err
	}
	mn, err := a.notifications()
	if err != nil {
		return nil, err
	}

	retry := a.Config.Notifications.Retry
	dispatcher := alerts.NewNotifierDispatcher(
		notify.NewAlertNotifier(st, mn, a.Logger),
		utils.RetryConfig{
			MaxAttempts:   retry.MaxAttempts,
			InitialDelay:  retry.InitialDelay,
			MaxDelay:      retry.MaxDelay,
			BackoffFactor: 2,
		},
		a.Logger,
	)

	return alerts.NewCoordinator(st, st, dispatcher, a.Logger,
		alerts.WithPassTimeout(a.Config.Evaluation.PassTimeout),
	), nil
}

// Close releases notification channels and the store if App opened it.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	if a.notifier != nil {
		firstErr = a.notifier.Close()
		a.notifier = nil
	}
	if a.ownsStore && a.Store != nil {
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.Store = nil
		a.ownsStore = false
	}
	return firstErr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Stock Alerter v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"stock-alerter/internal/alerts"
	"stock-alerter/internal/digest"
	"stock-alerter/internal/feed"
	"stock-alerter/internal/health"
	"stock-alerter/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll prices and evaluate alerts until interrupted",
		Long: `Fetch a price for every instrument on each feed interval, record it and
evaluate the instrument's alerts. Also sends the periodic price digest and
serves Prometheus metrics when enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := app.Config
			st, err := app.store()
			if err != nil {
				return err
			}
			coord, err := app.coordinator()
			if err != nil {
				return err
			}
			mn, err := app.notifications()
			if err != nil {
				return err
			}

			source := feed.NewSource(cfg, app.Logger)
			poller := feed.NewPoller(st, source, coord, cfg.Evaluation.Workers, app.Logger)
			poller.ReportErrors(mn)

			output := NewOutput(cmd)
			if once {
				report, err := poller.Tick(ctx)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(report)
				}
				output.Success("Polled %d instruments: %d fetched, %d failed, %d alerts fired",
					report.Instruments, report.Fetched, report.Failed, report.Fired)
				return nil
			}

			var wg sync.WaitGroup
			defer wg.Wait()

			if cfg.Metrics.Enabled {
				monitor := health.NewMonitor(5 * time.Second)
				monitor.Register("store", health.DatabaseCheck(func(ctx context.Context) error {
					_, err := st.ListInstruments(ctx)
					return err
				}, 250*time.Millisecond))
				monitor.Register("feed", health.FeedCheck(poller.LastTick, 3*cfg.Feed.Interval))
				if b := feed.BreakerOf(source); b != nil {
					monitor.Register("breaker", health.BreakerCheck(b))
				}

				srv := &http.Server{
					Addr:         cfg.Metrics.Listen,
					Handler:      metricsMux(monitor),
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 10 * time.Second,
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					app.Logger.Info().Str("addr", cfg.Metrics.Listen).Msg("Serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						app.Logger.Error().Err(err).Msg("Metrics server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if cfg.Digest.Enabled {
				d := digest.New(st, mn, app.Logger)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := d.Run(ctx, cfg.Digest.Interval); err != nil {
						app.Logger.Error().Err(err).Msg("Digest loop stopped")
					}
				}()
			}

			app.Logger.Info().
				Str("source", source.Name()).
				Dur("interval", cfg.Feed.Interval).
				Strs("channels", mn.Channels()).
				Msg("Alerter started")

			err = poller.Run(ctx, cfg.Feed.Interval)
			stop()
			app.Logger.Info().Msg("Shutting down")
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single polling round and exit")
	return cmd
}

func metricsMux(monitor *health.Monitor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", monitor.Handler())
	mux.Handle("/health/live", health.LivenessHandler())
	return mux
}

func newEvaluateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <ticker>",
		Short: "Run one evaluation pass for an instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.store()
			if err != nil {
				return err
			}
			inst, err := st.GetInstrumentByTicker(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			coord, err := app.coordinator()
			if err != nil {
				return err
			}

			result, err := coord.EvaluatePass(cmd.Context(), inst.ID)
			if err != nil {
				return err
			}
			return printResult(NewOutput(cmd), inst.Ticker, result)
		},
	}
}

type resultView struct {
	Ticker         string   `json:"ticker"`
	NoObservation  bool     `json:"no_observation"`
	Price          string   `json:"price,omitempty"`
	Evaluated      int      `json:"evaluated"`
	Opened         int      `json:"opened"`
	Reset          int      `json:"reset"`
	Fired          []string `json:"fired"`
	Skipped        []string `json:"skipped"`
	Dispatched     int      `json:"dispatched"`
	DispatchFailed int      `json:"dispatch_failed"`
}

func printResult(output *Output, ticker string, r *alerts.EvaluationResult) error {
	view := resultView{
		Ticker:         ticker,
		NoObservation:  r.NoObservation,
		Evaluated:      r.Evaluated,
		Opened:         r.Opened,
		Reset:          r.Reset,
		Fired:          []string{},
		Skipped:        []string{},
		Dispatched:     r.Dispatched,
		DispatchFailed: r.DispatchFailed,
	}
	if r.Observation != nil {
		view.Price = r.Observation.Price.String()
	}
	for _, t := range r.Fired {
		view.Fired = append(view.Fired, fmt.Sprintf("%s: %s", t.AlertID, t.Message))
	}
	for _, s := range r.Skipped {
		view.Skipped = append(view.Skipped, fmt.Sprintf("%s: %v", s.AlertID, s.Err))
	}

	if output.IsJSON() {
		return output.JSON(view)
	}

	if r.NoObservation {
		output.Warning("%s has no price yet, nothing evaluated", ticker)
		return nil
	}

	output.Bold("%s @ %s", ticker, utils.FormatPrice(r.Observation.Price))
	output.Printf("Evaluated %d alerts: %d opened, %d reset, %d fired, %d skipped\n",
		r.Evaluated, r.Opened, r.Reset, len(r.Fired), len(r.Skipped))
	for _, f := range view.Fired {
		output.Printf("  %s %s\n", output.Green("FIRED"), f)
	}
	for _, s := range view.Skipped {
		output.Printf("  %s %s\n", output.Yellow("SKIP "), s)
	}
	if len(r.Fired) > 0 {
		output.Dim("Notifications: %d delivered, %d failed", r.Dispatched, r.DispatchFailed)
	}
	return nil
}

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	apperrors "stock-alerter/internal/errors"
	"stock-alerter/internal/models"
	"stock-alerter/internal/store"
	"stock-alerter/pkg/utils"
)

func newInstrumentCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instrument",
		Aliases: []string{"instruments", "stock"},
		Short:   "Manage watched instruments",
	}

	var name string
	add := &cobra.Command{
		Use:   "add <ticker>",
		Short: "Add an instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.store()
			if err != nil {
				return err
			}
			inst := &models.Instrument{Ticker: args[0], Name: name}
			if err := st.CreateInstrument(cmd.Context(), inst); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(inst)
			}
			output.Success("Added %s (%s)", inst.Ticker, inst.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "company name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List instruments with their latest price",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.store()
			if err != nil {
				return err
			}
			prices, err := st.LatestPrices(cmd.Context())
			if err != nil {
				return err
			}
			instruments, err := st.ListInstruments(cmd.Context())
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(prices)
			}
			if len(instruments) == 0 {
				output.Dim("No instruments. Add one with 'alerter instrument add <ticker>'.")
				return nil
			}

			byTicker := make(map[string]models.PriceDigestEntry, len(prices))
			for _, p := range prices {
				byTicker[p.Ticker] = p
			}

			table := NewTable(output, "TICKER", "NAME", "PRICE", "AS OF", "ID")
			for _, inst := range instruments {
				p := byTicker[inst.Ticker]
				asOf := "-"
				if p.AsOf != nil {
					asOf = p.AsOf.Local().Format("2006-01-02 15:04:05")
				}
				table.AddRow(inst.Ticker, utils.Truncate(inst.Name, 24), utils.FormatNullablePrice(p.Price), asOf, inst.ID)
			}
			table.Render()
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newObserveCmd(app *App) *cobra.Command {
	var (
		at       string
		evaluate bool
	)

	cmd := &cobra.Command{
		Use:   "observe <ticker> <price>",
		Short: "Record a price observation",
		Long:  "Record a price for an instrument and, unless --evaluate=false, evaluate its alerts against it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := decimal.NewFromString(args[1])
			if err != nil {
				return apperrors.NewValidationError("price", args[1], "not a decimal number")
			}
			if !price.IsPositive() {
				return apperrors.NewValidationError("price", args[1], "must be positive")
			}

			ts := time.Now()
			if at != "" {
				ts, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return apperrors.NewValidationError("at", at, "must be RFC3339")
				}
			}

			st, err := app.store()
			if err != nil {
				return err
			}
			inst, err := st.GetInstrumentByTicker(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			obs := &models.Observation{InstrumentID: inst.ID, Price: price, Timestamp: ts}
			if err := st.RecordObservation(cmd.Context(), obs); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if !evaluate {
				if output.IsJSON() {
					return output.JSON(obs)
				}
				output.Success("Recorded %s @ %s", inst.Ticker, utils.FormatPrice(price))
				return nil
			}

			coord, err := app.coordinator()
			if err != nil {
				return err
			}
			result, err := coord.EvaluatePass(cmd.Context(), inst.ID)
			if err != nil {
				return err
			}
			return printResult(output, inst.Ticker, result)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "observation time (RFC3339, default now)")
	cmd.Flags().BoolVar(&evaluate, "evaluate", true, "evaluate alerts after recording")
	return cmd
}

func newUserCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "user",
		Aliases: []string{"users"},
		Short:   "Manage alert owners",
	}

	var (
		email    string
		inactive bool
	)
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.store()
			if err != nil {
				return err
			}
			user := &models.User{Username: args[0], Email: email, Active: !inactive}
			if err := st.CreateUser(cmd.Context(), user); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(user)
			}
			output.Success("Added user %s (%s)", user.Username, user.ID)
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "address for alert and digest mail")
	add.Flags().BoolVar(&inactive, "inactive", false, "create the user as inactive")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.store()
			if err != nil {
				return err
			}
			users, err := st.ListUsers(cmd.Context(), store.UserFilter{})
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(users)
			}
			table := NewTable(output, "USERNAME", "EMAIL", "ACTIVE", "ID")
			for _, u := range users {
				table.AddRow(u.Username, orNone(u.Email), yesNo(output, u.Active), u.ID)
			}
			table.Render()
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

// resolveUser accepts a user ID or username.
func resolveUser(ctx context.Context, st store.DataStore, ref string) (*models.User, error) {
	if u, err := st.GetUser(ctx, ref); err == nil {
		return u, nil
	}
	users, err := st.ListUsers(ctx, store.UserFilter{})
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Username == ref {
			found := u
			return &found, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", ref, apperrors.ErrDataNotFound)
}

func newAlertCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "alert",
		Aliases: []string{"alerts"},
		Short:   "Manage price alerts",
	}

	cmd.AddCommand(newAlertAddCmd(app), newAlertListCmd(app),
		newAlertToggleCmd(app, "disable", false), newAlertToggleCmd(app, "enable", true))
	return cmd
}

func newAlertAddCmd(app *App) *cobra.Command {
	var (
		userRef    string
		ticker     string
		name       string
		kind       string
		comparator string
		threshold  string
		duration   int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an alert",
		Example: `  alerter alert add --user ann --ticker AAPL --cmp gt --threshold 200
  alerter alert add --user ann --ticker AAPL --kind duration --cmp lt --threshold 150 --duration 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmp, err := models.ParseComparator(comparator)
			if err != nil {
				return apperrors.NewValidationError("comparator", comparator, err.Error())
			}
			th, err := decimal.NewFromString(threshold)
			if err != nil {
				return apperrors.NewValidationError("threshold", threshold, "not a decimal number")
			}

			st, err := app.store()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			user, err := resolveUser(ctx, st, userRef)
			if err != nil {
				return err
			}
			inst, err := st.GetInstrumentByTicker(ctx, ticker)
			if err != nil {
				return err
			}

			alert := &models.Alert{
				UserID:       user.ID,
				InstrumentID: inst.ID,
				Name:         name,
				Kind:         models.AlertKind(strings.ToLower(kind)),
				Comparator:   cmp,
				Threshold:    decimal.NewNullDecimal(th),
				Active:       true,
			}
			if cmd.Flags().Changed("duration") {
				d := duration
				alert.DurationMinutes = &d
			}
			if err := st.CreateAlert(ctx, alert); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(alert)
			}
			output.Success("Created alert %s: %s", alert.ID, alert.Describe())
			return nil
		},
	}

	cmd.Flags().StringVar(&userRef, "user", "", "owner user ID or username")
	cmd.Flags().StringVar(&ticker, "ticker", "", "instrument ticker")
	cmd.Flags().StringVar(&name, "name", "", "alert name")
	cmd.Flags().StringVar(&kind, "kind", string(models.AlertKindThreshold), "threshold or duration")
	cmd.Flags().StringVar(&comparator, "cmp", "", "comparator: gt, lt or eq")
	cmd.Flags().StringVar(&threshold, "threshold", "", "price threshold")
	cmd.Flags().IntVar(&duration, "duration", 0, "minutes the condition must hold (duration alerts)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("ticker")
	_ = cmd.MarkFlagRequired("cmp")
	_ = cmd.MarkFlagRequired("threshold")
	return cmd
}

func newAlertListCmd(app *App) *cobra.Command {
	var (
		userRef    string
		ticker     string
		activeOnly bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.store()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			filter := store.AlertFilter{ActiveOnly: activeOnly, Limit: limit}
			if userRef != "" {
				user, err := resolveUser(ctx, st, userRef)
				if err != nil {
					return err
				}
				filter.UserID = user.ID
			}
			if ticker != "" {
				inst, err := st.GetInstrumentByTicker(ctx, ticker)
				if err != nil {
					return err
				}
				filter.InstrumentID = inst.ID
			}

			list, err := st.ListAlerts(ctx, filter)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(list)
			}
			if len(list) == 0 {
				output.Dim("No alerts.")
				return nil
			}

			table := NewTable(output, "ID", "NAME", "RULE", "KIND", "STATE", "LAST FIRED")
			for _, a := range list {
				table.AddRow(a.ID, utils.Truncate(a.Name, 20), a.Describe(), string(a.Kind), alertState(output, a), lastFired(a))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&userRef, "user", "", "filter by user ID or username")
	cmd.Flags().StringVar(&ticker, "ticker", "", "filter by instrument ticker")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active alerts")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of alerts")
	return cmd
}

func alertState(output *Output, a models.Alert) string {
	switch {
	case !a.Active:
		return output.DimText("disabled")
	case a.Kind == models.AlertKindDuration && a.Window.Open && a.Window.OpenedAt != nil:
		return output.Yellow("building since " + a.Window.OpenedAt.Local().Format("15:04"))
	default:
		return output.Green("active")
	}
}

func lastFired(a models.Alert) string {
	if a.LastTriggeredAt == nil {
		return "-"
	}
	return a.LastTriggeredAt.Local().Format("2006-01-02 15:04:05")
}

func newAlertToggleCmd(app *App, verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <alert-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.store()
			if err != nil {
				return err
			}
			if err := st.SetAlertActive(cmd.Context(), args[0], active); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"id": args[0], "active": active})
			}
			output.Success("Alert %s %sd", args[0], verb)
			return nil
		},
	}
}

func newTriggersCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "triggers <alert-id>",
		Short: "Show the trigger history of an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.store()
			if err != nil {
				return err
			}
			if _, err := st.GetAlert(cmd.Context(), args[0]); err != nil {
				return err
			}
			triggers, err := st.ListTriggers(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(triggers)
			}
			if len(triggers) == 0 {
				output.Dim("Alert has not fired yet.")
				return nil
			}

			table := NewTable(output, "TRIGGERED AT", "PRICE", "MESSAGE")
			for _, t := range triggers {
				table.AddRow(t.TriggeredAt.Local().Format("2006-01-02 15:04:05"), utils.FormatPrice(t.Price), t.Message)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of triggers")
	return cmd
}

func yesNo(output *Output, b bool) string {
	if b {
		return output.Green("yes")
	}
	return output.Red("no")
}

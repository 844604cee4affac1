package main

import (
	"context"
	"os"

	"github.com/fatih/color"

	"stock-alerter/internal/cli"
	"stock-alerter/internal/logging"
)

func main() {
	logger := logging.NewLoggerWithConfig(logging.LogConfig{Level: "info", Console: true})

	root := cli.NewRootCmd(logger)
	if err := root.ExecuteContext(context.Background()); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

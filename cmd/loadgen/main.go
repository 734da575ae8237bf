// cmd/loadgen/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libradispatch/internal/config"
	"libradispatch/internal/loadgen"
	"libradispatch/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	var (
		file     string
		endpoint string
		interval time.Duration
		timeout  time.Duration
		label    string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Replay a JSON-lines workload of loan requests against the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(config.Logging{Level: logLevel, Format: "text"}, os.Stderr, "loadgen")

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			runner, err := loadgen.NewRunner(loadgen.NewHTTPSender(endpoint),
				loadgen.WithInterval(interval),
				loadgen.WithTimeout(timeout),
				loadgen.WithLabel(label),
				loadgen.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "sending requests to %s from %s\n", endpoint, file)
			stats, err := runner.Run(ctx, f)
			stats.Report(cmd.OutOrStdout())
			return err
		},
	}

	rootCmd.Flags().StringVar(&file, "file", "", "workload file, one JSON request per line")
	rootCmd.Flags().StringVar(&endpoint, "endpoint", "http://localhost:8500/requests", "gateway request URL")
	rootCmd.Flags().DurationVar(&interval, "interval", loadgen.DefaultInterval, "pause between requests")
	rootCmd.Flags().DurationVar(&timeout, "timeout", loadgen.DefaultTimeout, "per-request timeout")
	rootCmd.Flags().StringVar(&label, "label", "", "label prefixed to the report")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	_ = rootCmd.MarkFlagRequired("file")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

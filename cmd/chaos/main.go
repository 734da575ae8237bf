// cmd/chaos/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libradispatch/internal/chaos"
	"libradispatch/internal/config"
	"libradispatch/internal/logging"
	"libradispatch/internal/telemetry"

	"github.com/spf13/cobra"
)

func main() {
	var (
		items    int
		rngSeed  int64
		fault    time.Duration
		recovery time.Duration
		sample   time.Duration
		pause    time.Duration
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run the failure-injection game day against an in-process pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.New(config.Logging{Level: logLevel, Format: "text"}, os.Stderr, "chaos")
			shutdown, err := telemetry.Setup(ctx, config.Telemetry{
				Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
				ServiceName: "chaos",
				Insecure:    true,
			})
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(context.Background()) }()

			sb, err := chaos.StartSandbox(ctx, chaos.SandboxConfig{Items: items, RNGSeed: rngSeed, Logger: logger})
			if err != nil {
				return err
			}
			defer sb.Close()

			engine, err := chaos.NewEngine(chaos.WithLogger(logger), chaos.WithSampleInterval(sample), chaos.WithPause(pause))
			if err != nil {
				return err
			}
			engine.RegisterExperiments(sb, chaos.Windows{Fault: fault, Recovery: recovery})

			failed, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
				Name:      "Dispatch Game Day",
				Date:      time.Now(),
				Scenarios: engine.Experiments(),
			}, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d experiment(s) did not hold", failed)
			}
			return nil
		},
	}

	rootCmd.Flags().IntVar(&items, "items", 200, "catalogue size of the sandbox")
	rootCmd.Flags().Int64Var(&rngSeed, "rng-seed", 42, "fixture seed")
	rootCmd.Flags().DurationVar(&fault, "fault", 2*time.Second, "observation window while a fault is active")
	rootCmd.Flags().DurationVar(&recovery, "recovery", 3*time.Second, "observation window after rollback")
	rootCmd.Flags().DurationVar(&sample, "sample", 250*time.Millisecond, "metric sampling interval")
	rootCmd.Flags().DurationVar(&pause, "pause", time.Second, "pause between experiments")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conveyor/internal/deps"
	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
)

const agentVersion = "0.3.0"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		serverURL  string
		token      string
		workerID   string
		capacity   int
		ffmpegBin  string
		ffprobeBin string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "conveyor-encoder",
		Short:         "Remote encode worker for the conveyor dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger, err := logging.New(logging.Options{Level: logLevel, Format: "console"})
			if err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}

			ffmpegBin = deps.ResolveBinary("ffmpeg", ffmpegBin)
			ffprobeBin = deps.ResolveBinary("ffprobe", ffprobeBin)
			if err := checkDependencies(logger, ffmpegBin, ffprobeBin); err != nil {
				return err
			}

			if workerID == "" {
				host, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("derive worker id: %w", err)
				}
				workerID = host
			}

			runner := newFFmpegRunner(ffmpegBin, ffprobeBin, logger)
			agent, err := dispatch.NewAgent(dispatch.AgentConfig{
				ServerURL: serverURL,
				Token:     token,
				WorkerID:  workerID,
				Capacity:  capacity,
				Version:   agentVersion,
			}, runner, logger)
			if err != nil {
				return err
			}

			logger.Info("encoder agent starting",
				logging.String("server", serverURL),
				logging.String("worker_id", workerID),
				logging.Int("capacity", capacity))
			return agent.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "ws://127.0.0.1:7817/ws/encoders", "Dispatcher websocket URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("CONVEYOR_TOKEN"), "Shared auth token (defaults to CONVEYOR_TOKEN)")
	cmd.Flags().StringVar(&workerID, "id", "", "Worker identifier (defaults to the hostname)")
	cmd.Flags().IntVar(&capacity, "capacity", 1, "Number of jobs to run concurrently")
	cmd.Flags().StringVar(&ffmpegBin, "ffmpeg", "", "Path to the ffmpeg binary (defaults to a sidecar next to the agent, then PATH)")
	cmd.Flags().StringVar(&ffprobeBin, "ffprobe", "", "Path to the ffprobe binary (defaults to a sidecar next to the agent, then PATH)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func checkDependencies(logger *slog.Logger, ffmpegBin, ffprobeBin string) error {
	requirements := []deps.Requirement{
		{Name: "FFmpeg", Command: ffmpegBin, Description: "transcodes media"},
		{Name: "FFprobe", Command: ffprobeBin, Description: "reads media duration for progress reporting", Optional: true},
	}
	for _, status := range deps.CheckBinaries(requirements) {
		if status.Available {
			continue
		}
		if status.Optional {
			logger.Warn("optional dependency missing",
				logging.String("dependency", status.Name),
				logging.String("detail", status.Detail))
			continue
		}
		return fmt.Errorf("%s unavailable: %s", status.Name, status.Detail)
	}
	return nil
}

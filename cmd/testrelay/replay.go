package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/testrelay/pkg/aggregator"
	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/ethpandaops/testrelay/pkg/summary"
	"github.com/ethpandaops/testrelay/pkg/upload"
	"github.com/spf13/cobra"
)

var replayFlags sessionFlags

var replayCmd = &cobra.Command{
	Use:   "replay <report-file|s3://bucket/key>",
	Short: "Replay a report file and summarize it",
	Long: `Replay a report written by the file sink, locally or from S3, through an
aggregator and summarize it exactly like a received stream.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayFlags.register(replayCmd)

	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, &replayFlags)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	source := args[0]

	r, err := openReport(ctx, source, cfg.Summary.Upload.S3)
	if err != nil {
		return err
	}

	defer func() { _ = r.Close() }()

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		return err
	}

	agg := aggregator.NewAggregator(log)
	startedAt := time.Now()

	stats, err := receiver.ReplayStream(ctx, log, r, agg, cfg.Receiver.MaxLineBytes)
	if err != nil {
		log.WithError(err).Warn("Replay stopped early")
	}

	sess := summary.New(agg, source, startedAt, err == nil, stats)

	reportFile := ""
	if !upload.IsS3URL(source) {
		reportFile = source
	}

	return finishSession(ctx, cmd.OutOrStdout(), cfg, &replayFlags, sess, reportFile, uploader)
}

func openReport(ctx context.Context, source string, s3cfg config.S3UploadConfig) (io.ReadCloser, error) {
	if upload.IsS3URL(source) {
		rc, err := upload.NewS3Reader(log, &s3cfg).Open(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("opening report: %w", err)
		}

		return rc, nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("opening report: %w", err)
	}

	return f, nil
}

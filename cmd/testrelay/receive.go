package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethpandaops/testrelay/pkg/aggregator"
	"github.com/ethpandaops/testrelay/pkg/api"
	"github.com/ethpandaops/testrelay/pkg/event"
	"github.com/ethpandaops/testrelay/pkg/fsutil"
	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/ethpandaops/testrelay/pkg/reporter"
	"github.com/ethpandaops/testrelay/pkg/summary"
	"github.com/spf13/cobra"
)

var (
	receiveFlags sessionFlags
	portFile     string
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive one event stream and summarize it",
	Long: `Bind a socket, print its port as "port=<n>" and aggregate the events sent
by a single reporter connection. When the stream ends, a summary is printed,
written and optionally uploaded. When reporter sinks are configured, every
received event is also forwarded to them.`,
	Args: cobra.NoArgs,
	RunE: runReceive,
}

func init() {
	receiveFlags.register(receiveCmd)
	receiveCmd.Flags().StringVar(&portFile, "port-file", "",
		"also write the bound port to this file")

	rootCmd.AddCommand(receiveCmd)
}

func runReceive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, &receiveFlags)
	if err != nil {
		return err
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		return err
	}

	agg := aggregator.NewAggregator(log)
	downstream := event.Multi{agg}

	// Forward to the configured sinks, e.g. a report file kept with the
	// summary or the next receiver in a chain.
	var rep reporter.Reporter

	if cfg.Reporter.Enabled() {
		rep = reporter.NewReporter(log, &reporter.Config{
			File:        cfg.Reporter.File,
			Port:        cfg.Reporter.Port,
			Host:        cfg.Reporter.Host,
			DialTimeout: cfg.Reporter.DialTimeout,
		})
		downstream = append(downstream, rep)

		defer func() {
			if err := rep.Close(); err != nil {
				log.WithError(err).Warn("Failed to close reporter")
			}
		}()
	}

	rcv := receiver.NewReceiver(log, downstream, &receiver.Config{
		Listen:       cfg.Receiver.Listen,
		MaxLineBytes: cfg.Receiver.MaxLineBytes,
	})

	startedAt := time.Now()

	if err := rcv.Start(ctx); err != nil {
		return fmt.Errorf("starting receiver: %w", err)
	}

	defer func() { _ = rcv.Close() }()

	fmt.Fprintf(cmd.OutOrStdout(), "port=%d\n", rcv.Port())

	if portFile != "" {
		data := []byte(strconv.Itoa(rcv.Port()) + "\n")
		if err := fsutil.WriteFile(portFile, data, 0o644, nil); err != nil {
			return fmt.Errorf("writing port file: %w", err)
		}
	}

	if cfg.API.Enabled {
		srv := api.NewServer(log, &cfg.API, agg, rcv)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}

		defer func() { _ = srv.Stop() }()
	}

	log.WithField("port", rcv.Port()).Info("Waiting for reporter")

	select {
	case <-rcv.Done():
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Received shutdown signal")
	}

	streamEnd := rcv.Join(cfg.Receiver.JoinTimeout)

	if err := rcv.Close(); err != nil {
		log.WithError(err).Warn("Failed to close receiver")
	}

	if err := rcv.Err(); err != nil {
		log.WithError(err).Warn("Event stream was cut short")
	}

	// Flush forwarded events before the report file is copied.
	if rep != nil {
		if err := rep.Close(); err != nil {
			log.WithError(err).Warn("Failed to close reporter")
		}
	}

	source := fmt.Sprintf("socket:%d", rcv.Port())
	sess := summary.New(agg, source, startedAt, streamEnd, rcv.Stats())

	return finishSession(ctx, cmd.OutOrStdout(), cfg, &receiveFlags, sess, cfg.Reporter.File, uploader)
}

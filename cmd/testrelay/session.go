package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/ethpandaops/testrelay/pkg/fsutil"
	"github.com/ethpandaops/testrelay/pkg/summary"
	"github.com/ethpandaops/testrelay/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errSessionNotPassed = errors.New("session did not pass")

// sessionFlags are shared by receive and replay.
type sessionFlags struct {
	failOnTestFailure bool
	noSummaryFile     bool
	outputDir         string
	format            string
	markdownOutput    string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.failOnTestFailure, "fail-on-test-failure", false,
		"exit non-zero unless every run completed and no test failed")
	cmd.Flags().BoolVar(&f.noSummaryFile, "no-summary-file", false,
		"only print the summary table")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "",
		"summary output directory (overrides summary.output_dir)")
	cmd.Flags().StringVar(&f.format, "format", "",
		"summary format, json or yaml (overrides summary.format)")
	cmd.Flags().StringVar(&f.markdownOutput, "markdown-output", "",
		"also write a markdown summary to this path, e.g. $GITHUB_STEP_SUMMARY")
}

// loadConfig loads and validates the configuration. The --log-level flag
// wins over global.log_level when set explicitly.
func loadConfig(cmd *cobra.Command, flags *sessionFlags) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if flags != nil {
		if flags.outputDir != "" {
			cfg.Summary.OutputDir = flags.outputDir
		}

		if flags.format != "" {
			cfg.Summary.Format = flags.format
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// newUploader returns nil when upload is disabled. An enabled uploader is
// preflighted so misconfiguration fails before any work is done.
func newUploader(ctx context.Context, cfg *config.Config) (upload.Uploader, error) {
	if !cfg.Summary.Upload.S3.Enabled {
		return nil, nil
	}

	u, err := upload.NewS3Uploader(log, &cfg.Summary.Upload.S3)
	if err != nil {
		return nil, fmt.Errorf("creating uploader: %w", err)
	}

	if err := u.Preflight(ctx); err != nil {
		return nil, fmt.Errorf("upload preflight: %w", err)
	}

	return u, nil
}

// finishSession renders, writes and uploads a session summary. reportFile,
// when set, is stored next to the summary.
func finishSession(
	ctx context.Context,
	out io.Writer,
	cfg *config.Config,
	flags *sessionFlags,
	sess *summary.Session,
	reportFile string,
	uploader upload.Uploader,
) error {
	sess.Render(out)

	logFields := logrus.Fields{
		"session": sess.ID,
		"status":  sess.Status,
		"tests":   sess.Totals.Total,
	}

	if incomplete := sess.IncompleteRuns(); len(incomplete) > 0 {
		log.WithField("runs", incomplete).Warn("Runs did not complete")
	}

	if !flags.noSummaryFile {
		owner, err := fsutil.ParseOwner(cfg.Summary.Owner)
		if err != nil {
			return fmt.Errorf("parsing summary owner: %w", err)
		}

		dir, err := summary.Write(sess, cfg.Summary.OutputDir, cfg.Summary.Format, owner)
		if err != nil {
			return err
		}

		logFields["dir"] = dir

		if err := summary.WriteMarkdown(sess, filepath.Join(dir, "summary.md"), owner); err != nil {
			return err
		}

		if reportFile != "" {
			if info, err := os.Stat(reportFile); err == nil {
				if _, err := summary.CopyFile(reportFile, dir, owner); err != nil {
					log.WithError(err).Warn("Failed to copy report file")
				} else {
					log.WithField("size", summary.FormatSize(info.Size())).
						Debug("Copied report file")
				}
			}
		}

		if uploader != nil {
			location, err := uploader.Upload(ctx, dir)
			if err != nil {
				return fmt.Errorf("uploading summary: %w", err)
			}

			logFields["location"] = location
		}
	}

	if flags.markdownOutput != "" {
		if err := summary.WriteMarkdown(sess, flags.markdownOutput, nil); err != nil {
			return err
		}
	}

	log.WithFields(logFields).Info("Session finished")

	if flags.failOnTestFailure && sess.Status != summary.StatusPassed {
		return fmt.Errorf("%w: %s", errSessionNotPassed, sess.Status)
	}

	return nil
}

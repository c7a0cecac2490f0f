package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"mandatory-use-audit/internal/config"
	"mandatory-use-audit/internal/diagnostics"
	"mandatory-use-audit/internal/feed"
	"mandatory-use-audit/internal/pipeline"
	"mandatory-use-audit/internal/record"
	"mandatory-use-audit/internal/report"
	"mandatory-use-audit/internal/source"
	"mandatory-use-audit/internal/source/pgfeed"
	"mandatory-use-audit/internal/source/s3feed"
	"mandatory-use-audit/internal/source/tableau"
	"mandatory-use-audit/internal/telemetry"
)

const serviceName = "mandatory-use-audit"

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		exitWithError(err)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Prescriber mandatory-use compliance report",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), cmd.Flags(), cmd.OutOrStdout(), time.Now())
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(pullCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version)
		},
	})
	return cmd
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Retrieve the feed extracts into the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			return pullFeeds(cmd.Context(), cfg, logger, time.Now())
		},
	}
}

func runAudit(ctx context.Context, flags *pflag.FlagSet, out io.Writer, now time.Time) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	logger := newLogger(cfg, os.Stderr).With().Str("run_id", runID).Logger()
	for _, warning := range cfg.Warnings() {
		logger.Warn().Msg(warning)
	}

	tracing, err := telemetry.NewTracing(ctx, telemetry.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		RunID:          runID,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("trace flush failed")
		}
	}()

	if cfg.NeedsPull() {
		if err := pullFeeds(ctx, cfg, logger, now); err != nil {
			return err
		}
	}

	logger.Info().Str("data_dir", cfg.DataDir).Msg("preparing files")
	inputs, err := feed.LoadDir(cfg.DataDir, cfg.Supplement)
	if err != nil {
		return err
	}
	opts, err := pipeline.OptionsFrom(cfg)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics(runID)
	runner := &pipeline.Runner{Logger: logger, Tracing: tracing, Metrics: metrics}
	res, err := runner.Run(ctx, inputs, opts)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	artifact := filepath.Join(cfg.OutputDir, res.Report.Name)
	if err := writeReport(res.Report, artifact); err != nil {
		return err
	}
	logger.Info().Str("path", artifact).Int("rows", len(res.Report.Rows)).Msg("wrote report")

	printReport(out, res, runID, cfg.Top)
	fmt.Fprintf(out, "\nReport saved to %s\n", artifact)

	if cfg.Diagnostics {
		bundle := diagnostics.Bundle{
			RunID:         runID,
			Report:        res.Report,
			Dispensations: res.Dispensations,
			Overlap:       res.Overlap,
		}
		written, err := diagnostics.WriteCSV(cfg.OutputDir, bundle)
		if err != nil {
			return err
		}
		for _, path := range written {
			logger.Info().Str("path", path).Msg("wrote diagnostics")
		}
		if cfg.DiagnosticsDB != "" {
			if err := diagnostics.WriteSQLite(ctx, cfg.DiagnosticsDB, bundle, now); err != nil {
				return err
			}
			logger.Info().Str("path", cfg.DiagnosticsDB).Msg("wrote diagnostics database")
		}
	}

	if cfg.SummaryHTML != "" {
		page, err := res.Report.HTML(cfg.Top)
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfg.SummaryHTML, page, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "HTML summary saved to %s\n", cfg.SummaryHTML)
	}

	metrics.MarkCompleted(time.Now())
	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

// openSource builds the configured feed source. The returned closer
// releases sessions and connections.
func openSource(ctx context.Context, cfg *config.Config) (source.Source, func(), error) {
	noop := func() {}
	if cfg.Source == config.SourceDir {
		return source.Dir{Root: cfg.SourceDir}, noop, nil
	}

	secrets, err := config.LoadSecrets(cfg.SecretsFile)
	if err != nil {
		return nil, noop, err
	}
	if err := secrets.RequireSecrets(cfg.Source); err != nil {
		return nil, noop, err
	}

	switch cfg.Source {
	case config.SourceTableau:
		client, err := tableau.New(tableau.Config{
			Server:             secrets.Tableau.Server,
			Site:               secrets.Tableau.Site,
			TokenName:          secrets.Tableau.TokenName,
			TokenValue:         secrets.Tableau.TokenValue,
			APIVersion:         secrets.Tableau.APIVersion,
			Workbook:           cfg.WorkbookName,
			InsecureSkipVerify: secrets.Tableau.InsecureSkipVerify,
		})
		if err != nil {
			return nil, noop, err
		}
		return client, func() { _ = client.Close(context.WithoutCancel(ctx)) }, nil
	case config.SourceS3:
		store, err := s3feed.New(ctx, s3feed.Config{
			Bucket:          secrets.S3.Bucket,
			Prefix:          secrets.S3.Prefix,
			Region:          secrets.S3.Region,
			Endpoint:        secrets.S3.Endpoint,
			PathStyle:       secrets.S3.PathStyle,
			AccessKeyID:     secrets.S3.AccessKeyID,
			SecretAccessKey: secrets.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.SourcePostgres:
		store, err := pgfeed.Open(ctx, pgfeed.Config{URL: secrets.Postgres.URL, Schema: secrets.Postgres.Schema})
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unsupported source %q", cfg.Source)
	}
}

func pullFeeds(ctx context.Context, cfg *config.Config, logger zerolog.Logger, now time.Time) error {
	if cfg.Source == config.SourceDir && cfg.SourceDir == "" {
		return errors.New("nothing to pull: set --source or --source-dir")
	}
	p, err := cfg.Period(now)
	if err != nil {
		return err
	}
	src, closeSource, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	names := feed.Required(cfg.Supplement)
	logger.Info().Str("source", src.Name()).Str("period", p.String()).Int("feeds", len(names)).Msg("pulling feeds")
	return source.Pull(ctx, src, source.PullOptions{
		Dir:      cfg.DataDir,
		Feeds:    names,
		Request:  source.Request{Period: p, LookbackDays: cfg.DaysBefore},
		Parallel: 2,
		Logger:   logger,
	})
}

func writeReport(rep report.Report, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rep.WriteCSV(file); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return file.Close()
}

func printReport(w io.Writer, res pipeline.Result, runID string, top int) {
	rep := res.Report
	fmt.Fprintln(w, "Mandatory Use Compliance Audit")
	fmt.Fprintln(w, strings.Repeat("=", 38))
	fmt.Fprintf(w, "Run: %s\n", runID)
	fmt.Fprintf(w, "Period: %s\n", rep.Period)
	fmt.Fprintf(w, "Dispensations read: %d | kept: %d | registered: %d | unregistered: %d\n",
		res.Stats.Read, res.Stats.Kept, res.Stats.Registered, res.Stats.Unregistered)
	if res.Stats.InvalidID > 0 || res.Stats.Veterinary > 0 {
		fmt.Fprintf(w, "Skipped: %d invalid identifier | %d veterinary\n", res.Stats.InvalidID, res.Stats.Veterinary)
	}
	if len(res.Ambiguous) > 0 {
		fmt.Fprintf(w, "Identifiers on more than one user: %s\n", strings.Join(res.Ambiguous, ", "))
	}
	fmt.Fprintf(w, "Prescribers: %d (%d registered)\n", rep.Totals.Prescribers, rep.Totals.Registered)

	fmt.Fprintln(w, "\nLowest search compliance")
	fmt.Fprintln(w, strings.Repeat("-", 38))
	rows := rep.Rows
	if top > 0 && len(rows) > top {
		rows = rows[:top]
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No prescribers found.")
	}
	for _, row := range rows {
		name := row.DisplayName
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(w, "%s | %s | %s | %d/%d searched | %.1f%%\n",
			row.FinalID, name, registration(row.FinalID), row.Searches, row.Dispensations, row.SearchRate)
	}

	fmt.Fprintln(w, "\nTotals")
	fmt.Fprintln(w, strings.Repeat("-", 38))
	fmt.Fprintf(w, "total dispensations: %d\n", rep.Totals.Dispensations)
	fmt.Fprintf(w, "total searches: %d\n", rep.Totals.Searches)
	fmt.Fprintf(w, "search rate: %.2f%%\n", rep.Totals.SearchRate)
}

func registration(id record.FinalID) string {
	if id.IsRegistered() {
		return "registered"
	}
	return "unregistered"
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

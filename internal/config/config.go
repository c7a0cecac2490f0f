// Package config loads run configuration from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mandatory-use-audit/internal/aggregate"
	"mandatory-use-audit/internal/dispense"
	"mandatory-use-audit/internal/overlap"
	"mandatory-use-audit/internal/period"
)

const (
	envPrefix  = "MU"
	dateLayout = "2006-01-02"
)

// Source kinds the feeds can be pulled from.
const (
	SourceDir      = "dir"
	SourceTableau  = "tableau"
	SourceS3       = "s3"
	SourcePostgres = "postgres"
)

type Config struct {
	Ratio            float64 `mapstructure:"ratio"`
	PartialRatio     float64 `mapstructure:"partial_ratio"`
	DaysBefore       int     `mapstructure:"days_before"`
	VetPolicy        string  `mapstructure:"vet_policy"`
	Supplement       bool    `mapstructure:"supplement"`
	OverlapRatio     float64 `mapstructure:"overlap_ratio"`
	OverlapType      string  `mapstructure:"overlap_type"`
	NaiveRatio       float64 `mapstructure:"naive_ratio"`
	DoseThreshold    float64 `mapstructure:"dose_threshold"`
	FirstWrittenDate string  `mapstructure:"first_written_date"`
	LastWrittenDate  string  `mapstructure:"last_written_date"`
	WorkbookName     string  `mapstructure:"workbook_name"`
	OpioidMarker     string  `mapstructure:"opioid_marker"`
	SedativeMarker   string  `mapstructure:"sedative_marker"`
	Workers          int     `mapstructure:"workers"`
	DataDir          string  `mapstructure:"data_dir"`
	OutputDir        string  `mapstructure:"output_dir"`
	Diagnostics      bool    `mapstructure:"diagnostics"`
	DiagnosticsDB    string  `mapstructure:"diagnostics_db"`
	Top              int     `mapstructure:"top"`
	Source           string  `mapstructure:"source"`
	SourceDir        string  `mapstructure:"source_dir"`
	Pull             bool    `mapstructure:"pull"`
	SecretsFile      string  `mapstructure:"secrets_file"`
	LogLevel         string  `mapstructure:"log_level"`
	LogFormat        string  `mapstructure:"log_format"`
	MetricsFile      string  `mapstructure:"metrics_file"`
	SummaryHTML      string  `mapstructure:"summary_html"`
	OTLPEndpoint     string  `mapstructure:"otlp_endpoint"`
}

// RegisterFlags defines every configuration flag on fs. Flag names use
// dashes; the matching config-file keys and MU_* environment variables use
// underscores.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Optional config file (toml, yaml or json)")
	fs.Float64("ratio", 0.7, "Patient name similarity ratio for a full-name search")
	fs.Float64("partial-ratio", 0.5, "Patient name similarity ratio for a partial-name search")
	fs.Int("days-before", 7, "Max days before an rx was written to give credit for a search")
	fs.String("vet-policy", string(dispense.VetExclude), "Veterinary records: exclude, include or only")
	fs.Bool("supplement", true, "Compute overlap and opioid-naive metrics")
	fs.Bool("no-supplement", false, "Skip overlap and opioid-naive metrics")
	fs.Float64("overlap-ratio", 0.9, "Patient name similarity for confirming an overlap")
	fs.String("overlap-type", string(overlap.ModeLast), "Overlap policy: last, part or both")
	fs.Float64("naive-ratio", 0.7, "Patient name similarity for opioid-naive confirmation")
	fs.Float64("dose-threshold", 90, "Daily dose (MME) threshold for a single rx")
	fs.String("first-written-date", "", "First written date (YYYY-MM-DD); default previous month")
	fs.String("last-written-date", "", "Last written date (YYYY-MM-DD); default previous month")
	fs.String("workbook-name", "mu", "Workbook holding the extract views")
	fs.String("opioid-marker", aggregate.DefaultMarkers.Opioid, "Drug-class substring marking opioids")
	fs.String("sedative-marker", aggregate.DefaultMarkers.Sedative, "Drug-class substring marking sedatives")
	fs.Int("workers", 0, "Scoring workers; 0 uses GOMAXPROCS")
	fs.String("data-dir", "data", "Directory holding the feed extracts")
	fs.String("output-dir", ".", "Directory the report is written to")
	fs.Bool("diagnostics", false, "Also write intermediate linked sets")
	fs.Bool("testing", false, "Alias for --diagnostics")
	fs.String("diagnostics-db", "", "Optional SQLite file receiving the intermediate sets")
	fs.Int("top", 10, "Prescribers listed in the console and HTML summaries")
	fs.String("source", SourceDir, "Feed source: dir, tableau, s3 or postgres")
	fs.String("source-dir", "", "Directory feeds are copied from when pulling with --source=dir")
	fs.Bool("pull", false, "Pull feeds from the source into the data directory before the run")
	fs.String("secrets-file", "secrets.toml", "Credentials file for the feed source")
	fs.String("log-level", "info", "Log level")
	fs.String("log-format", "console", "Log format: console or json")
	fs.String("metrics-file", "", "Optional Prometheus textfile receiving run metrics")
	fs.String("summary-html", "", "Optional HTML run summary path")
	fs.String("otlp-endpoint", "", "Optional OTLP/HTTP trace endpoint URL")
}

// Load resolves configuration with precedence flag > environment > config
// file > default.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if v.GetBool("no_supplement") {
		cfg.Supplement = false
	}
	if v.GetBool("testing") {
		cfg.Diagnostics = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every knob and reports all problems together.
func (c *Config) Validate() error {
	var errs []error
	ratios := map[string]float64{
		"ratio":         c.Ratio,
		"partial_ratio": c.PartialRatio,
		"overlap_ratio": c.OverlapRatio,
		"naive_ratio":   c.NaiveRatio,
	}
	for _, name := range []string{"ratio", "partial_ratio", "overlap_ratio", "naive_ratio"} {
		if value := ratios[name]; value < 0 || value > 1 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 1, got %v", name, value))
		}
	}
	if c.DaysBefore < 0 {
		errs = append(errs, fmt.Errorf("days_before must not be negative, got %d", c.DaysBefore))
	}
	if c.DoseThreshold <= 0 {
		errs = append(errs, fmt.Errorf("dose_threshold must be positive, got %v", c.DoseThreshold))
	}
	if c.Top < 0 {
		errs = append(errs, fmt.Errorf("top must not be negative, got %d", c.Top))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if _, err := dispense.ParseVetPolicy(c.VetPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := overlap.ParseMode(c.OverlapType); err != nil {
		errs = append(errs, err)
	}
	switch c.Source {
	case SourceDir, SourceTableau, SourceS3, SourcePostgres:
	default:
		errs = append(errs, fmt.Errorf("invalid source %q (want dir, tableau, s3 or postgres)", c.Source))
	}
	if c.Source == SourceDir && c.Pull && c.SourceDir == "" {
		errs = append(errs, errors.New("source_dir is required to pull with source dir"))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (want console or json)", c.LogFormat))
	}
	if (c.FirstWrittenDate == "") != (c.LastWrittenDate == "") {
		errs = append(errs, errors.New("first_written_date and last_written_date must be set together"))
	} else if c.FirstWrittenDate != "" {
		if _, err := c.explicitPeriod(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.OpioidMarker == "" || c.SedativeMarker == "" {
		errs = append(errs, errors.New("opioid_marker and sedative_marker are required"))
	}
	return errors.Join(errs...)
}

// Warnings lists settings that are valid but unusual.
func (c *Config) Warnings() []string {
	var out []string
	if c.PartialRatio > c.Ratio {
		out = append(out, fmt.Sprintf("partial_ratio %.2f is stricter than ratio %.2f", c.PartialRatio, c.Ratio))
	}
	return out
}

// ExplicitPeriod reports whether written-date bounds were configured.
func (c *Config) ExplicitPeriod() bool {
	return c.FirstWrittenDate != "" && c.LastWrittenDate != ""
}

// Period returns the configured reporting period, or the calendar month
// before now when no bounds are set.
func (c *Config) Period(now time.Time) (period.Period, error) {
	if !c.ExplicitPeriod() {
		return period.PreviousMonth(now), nil
	}
	return c.explicitPeriod()
}

func (c *Config) explicitPeriod() (period.Period, error) {
	first, err := time.Parse(dateLayout, c.FirstWrittenDate)
	if err != nil {
		return period.Period{}, fmt.Errorf("invalid first_written_date: %w", err)
	}
	last, err := time.Parse(dateLayout, c.LastWrittenDate)
	if err != nil {
		return period.Period{}, fmt.Errorf("invalid last_written_date: %w", err)
	}
	return period.New(first, last)
}

// WorkerCount resolves the configured worker count.
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Markers returns the configured drug-class markers.
func (c *Config) Markers() aggregate.Markers {
	return aggregate.Markers{Opioid: c.OpioidMarker, Sedative: c.SedativeMarker}
}

// VetPolicyValue returns the parsed veterinary policy. Validate has already
// rejected unknown values.
func (c *Config) VetPolicyValue() dispense.VetPolicy {
	p, _ := dispense.ParseVetPolicy(c.VetPolicy)
	return p
}

// OverlapMode returns the parsed overlap policy.
func (c *Config) OverlapMode() overlap.Mode {
	m, _ := overlap.ParseMode(c.OverlapType)
	return m
}

// NeedsPull reports whether feeds must be retrieved before the run.
func (c *Config) NeedsPull() bool {
	return c.Pull || c.Source != SourceDir
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mandatory-use-audit/internal/dispense"
	"mandatory-use-audit/internal/overlap"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Ratio)
	assert.Equal(t, 0.5, cfg.PartialRatio)
	assert.Equal(t, 7, cfg.DaysBefore)
	assert.Equal(t, 0.9, cfg.OverlapRatio)
	assert.Equal(t, 0.7, cfg.NaiveRatio)
	assert.Equal(t, 90.0, cfg.DoseThreshold)
	assert.Equal(t, "mu", cfg.WorkbookName)
	assert.True(t, cfg.Supplement)
	assert.Equal(t, dispense.VetExclude, cfg.VetPolicyValue())
	assert.Equal(t, overlap.ModeLast, cfg.OverlapMode())
	assert.Equal(t, SourceDir, cfg.Source)
	assert.Equal(t, 10, cfg.Top)
	assert.False(t, cfg.NeedsPull())
	assert.Empty(t, cfg.Warnings())
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("MU_RATIO", "0.8")
	t.Setenv("MU_DAYS_BEFORE", "3")

	cfg, err := Load(newFlags(t, "--days-before=5", "--overlap-type=both"))
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Ratio)
	assert.Equal(t, 5, cfg.DaysBefore)
	assert.Equal(t, overlap.ModeBoth, cfg.OverlapMode())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mu.toml")
	require.NoError(t, os.WriteFile(path, []byte("partial_ratio = 0.6\nworkbook_name = \"compliance\"\n"), 0o644))

	cfg, err := Load(newFlags(t, "--config="+path))
	require.NoError(t, err)
	assert.Equal(t, 0.6, cfg.PartialRatio)
	assert.Equal(t, "compliance", cfg.WorkbookName)
}

func TestLoadAliases(t *testing.T) {
	cfg, err := Load(newFlags(t, "--no-supplement", "--testing"))
	require.NoError(t, err)
	assert.False(t, cfg.Supplement)
	assert.True(t, cfg.Diagnostics)
}

func TestValidateReportsAllProblems(t *testing.T) {
	_, err := Load(newFlags(t,
		"--ratio=1.5",
		"--days-before=-1",
		"--vet-policy=sometimes",
		"--overlap-type=first",
		"--dose-threshold=0",
		"--first-written-date=2024-04-01",
	))
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{"ratio must be", "days_before", "dose_threshold must be positive", "vet policy", "overlap type", "set together"} {
		assert.Contains(t, msg, want)
	}
}

func TestPeriodResolution(t *testing.T) {
	now := time.Date(2024, time.May, 14, 9, 0, 0, 0, time.UTC)

	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	p, err := cfg.Period(now)
	require.NoError(t, err)
	assert.Equal(t, "2024-04-01..2024-04-30", p.String())
	assert.False(t, cfg.ExplicitPeriod())

	cfg, err = Load(newFlags(t, "--first-written-date=2023-12-01", "--last-written-date=2024-01-31"))
	require.NoError(t, err)
	p, err = cfg.Period(now)
	require.NoError(t, err)
	assert.Equal(t, "2023-12-01..2024-01-31", p.String())
	assert.True(t, cfg.ExplicitPeriod())
}

func TestPullFromDirNeedsSourceDir(t *testing.T) {
	_, err := Load(newFlags(t, "--pull"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_dir")

	cfg, err := Load(newFlags(t, "--pull", "--source-dir=/mnt/extracts"))
	require.NoError(t, err)
	assert.True(t, cfg.NeedsPull())
}

func TestPeriodRejectsReversedBounds(t *testing.T) {
	_, err := Load(newFlags(t, "--first-written-date=2024-02-01", "--last-written-date=2024-01-01"))
	require.Error(t, err)
}

func TestWarningsForStrictPartialRatio(t *testing.T) {
	cfg, err := Load(newFlags(t, "--partial-ratio=0.9"))
	require.NoError(t, err)
	require.Len(t, cfg.Warnings(), 1)
}

func TestRequireSecretsEnumeratesMissingKeys(t *testing.T) {
	s, err := LoadSecrets(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	err = s.RequireSecrets(SourceTableau)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingSecrets))
	for _, key := range []string{"tableau.server", "tableau.token_name", "tableau.token_value"} {
		assert.Contains(t, err.Error(), key)
	}
	assert.NotContains(t, err.Error(), "tableau.site")
	assert.NoError(t, s.RequireSecrets(SourceDir))
}

func TestLoadSecretsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.toml")
	body := strings.Join([]string{
		"[tableau]",
		`server = "https://tableau.example.org"`,
		`site = "pmp"`,
		`token_name = "audit"`,
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("MU_TABLEAU_TOKEN_VALUE", "s3cret")

	s, err := LoadSecrets(path)
	require.NoError(t, err)
	assert.Equal(t, "https://tableau.example.org", s.Tableau.Server)
	assert.Equal(t, "s3cret", s.Tableau.TokenValue)
	assert.Equal(t, "3.19", s.Tableau.APIVersion)
	assert.NoError(t, s.RequireSecrets(SourceTableau))

	err = s.RequireSecrets(SourcePostgres)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.url")
}

func TestRequireSecretsAllowsDefaultSite(t *testing.T) {
	s := Secrets{Tableau: TableauSecrets{
		Server:     "https://tableau.example.org",
		TokenName:  "audit",
		TokenValue: "s3cret",
	}}
	assert.NoError(t, s.RequireSecrets(SourceTableau))
}

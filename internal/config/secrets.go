package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ErrMissingSecrets is returned when the selected source lacks credentials.
var ErrMissingSecrets = errors.New("missing secrets")

type TableauSecrets struct {
	Server             string `mapstructure:"server"`
	Site               string `mapstructure:"site"`
	TokenName          string `mapstructure:"token_name"`
	TokenValue         string `mapstructure:"token_value"`
	APIVersion         string `mapstructure:"api_version"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

type S3Secrets struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type PostgresSecrets struct {
	URL    string `mapstructure:"url"`
	Schema string `mapstructure:"schema"`
}

// Secrets holds credentials for every supported feed source. Each value can
// come from the secrets file or from MU_<SECTION>_<KEY>.
type Secrets struct {
	Tableau  TableauSecrets  `mapstructure:"tableau"`
	S3       S3Secrets       `mapstructure:"s3"`
	Postgres PostgresSecrets `mapstructure:"postgres"`
}

var secretKeys = []string{
	"tableau.server",
	"tableau.site",
	"tableau.token_name",
	"tableau.token_value",
	"tableau.api_version",
	"tableau.insecure_skip_verify",
	"s3.bucket",
	"s3.prefix",
	"s3.region",
	"s3.endpoint",
	"s3.path_style",
	"s3.access_key_id",
	"s3.secret_access_key",
	"postgres.url",
	"postgres.schema",
}

// LoadSecrets reads the secrets file when it exists and overlays the
// environment. A missing file is not an error; RequireSecrets reports what
// is actually absent.
func LoadSecrets(path string) (Secrets, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetDefault("tableau.api_version", "3.19")
	v.SetDefault("postgres.schema", "public")
	v.SetDefault("s3.region", "us-east-1")
	for _, key := range secretKeys {
		if err := v.BindEnv(key); err != nil {
			return Secrets{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Secrets{}, fmt.Errorf("read secrets %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Secrets{}, fmt.Errorf("stat secrets %s: %w", path, err)
		}
	}

	var s Secrets
	if err := v.Unmarshal(&s); err != nil {
		return Secrets{}, fmt.Errorf("unmarshal secrets: %w", err)
	}
	return s, nil
}

// RequireSecrets lists every credential the given source needs but lacks.
func (s Secrets) RequireSecrets(source string) error {
	var want map[string]string
	switch source {
	case SourceTableau:
		// an empty site is the Default site
		want = map[string]string{
			"tableau.server":      s.Tableau.Server,
			"tableau.token_name":  s.Tableau.TokenName,
			"tableau.token_value": s.Tableau.TokenValue,
		}
	case SourceS3:
		want = map[string]string{
			"s3.bucket": s.S3.Bucket,
		}
	case SourcePostgres:
		want = map[string]string{
			"postgres.url": s.Postgres.URL,
		}
	default:
		return nil
	}

	var errs []error
	for _, key := range secretKeys {
		value, ok := want[key]
		if ok && strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingSecrets, key))
		}
	}
	return errors.Join(errs...)
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is used when no --config flag is given. A missing file
	// at the default path is not an error.
	DefaultPath = "config.yaml"
	// EnvPrefix prefixes every environment override, e.g.
	// SQL_TO_ARC_PIPELINE_CHUNK_SIZE.
	EnvPrefix = "SQL_TO_ARC"
	// DefaultSecretsDir is where container secrets are mounted
	DefaultSecretsDir = "/run/secrets"
)

// secretFiles maps config keys to the file names read from the secrets dir
var secretFiles = map[string]string{
	"database.password":        "db_password",
	"database.dsn":             "db_dsn",
	"api.oauth2.client_secret": "api_client_secret",
	"observability.sentry_dsn": "sentry_dsn",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("secrets_dir", DefaultSecretsDir)
	v.SetDefault("report_path", "")
	v.SetDefault("fail_on_record_errors", true)
	v.SetDefault("rdi", "")
	v.SetDefault("rdi_url", "")

	v.SetDefault("pipeline.chunk_size", 100)
	v.SetDefault("pipeline.worker_pool_size", 5)
	v.SetDefault("pipeline.admission_capacity", 0)
	v.SetDefault("pipeline.conversion_timeout", "30m")
	v.SetDefault("pipeline.reclaim_every", 1)
	v.SetDefault("pipeline.memory_limit_mb", 0)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.statement_timeout", "5m")

	v.SetDefault("source.parent_table", "ARC_Investigation")
	v.SetDefault("source.id_column", "id")
	v.SetDefault("source.parent_columns", []string{"id", "title", "description", "submission_time", "release_time"})
	v.SetDefault("source.children", []map[string]interface{}{
		{
			"name":        "studies",
			"table":       "ARC_Study",
			"columns":     []string{"id", "investigation_id", "title", "description", "submission_time", "release_time"},
			"id_column":   "id",
			"foreign_key": "investigation_id",
		},
		{
			"name":        "assays",
			"table":       "ARC_Assay",
			"columns":     []string{"id", "study_id", "measurement_type", "technology_type"},
			"id_column":   "id",
			"foreign_key": "study_id",
			"parent":      "studies",
		},
	})

	v.SetDefault("conversion.max_studies", 5000)
	v.SetDefault("conversion.max_assays", 10000)

	v.SetDefault("sink.type", SinkARCAPI)

	v.SetDefault("api.url", "")
	v.SetDefault("api.client_cert_path", "")
	v.SetDefault("api.client_key_path", "")
	v.SetDefault("api.ca_cert_path", "")
	v.SetDefault("api.verify_ssl", true)
	v.SetDefault("api.timeout", "60s")
	v.SetDefault("api.rate_limit_per_sec", 0)
	v.SetDefault("api.compression", "none")
	v.SetDefault("api.oauth2.token_url", "")
	v.SetDefault("api.oauth2.client_id", "")
	v.SetDefault("api.oauth2.client_secret", "")
	v.SetDefault("api.oauth2.scopes", []string{})

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "arcs")
	v.SetDefault("s3.region", "eu-central-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.compression", "none")
	v.SetDefault("s3.part_size_mb", 5)
	v.SetDefault("s3.concurrency", 2)

	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.tracing_sample_rate", 1.0)
	v.SetDefault("observability.sentry_dsn", "")
	v.SetDefault("observability.environment", "production")
}

// Load reads the configuration. Precedence, lowest first: defaults, the
// YAML file at path (with ${VAR} substitution), SQL_TO_ARC_* environment
// variables, files in secrets_dir. The result is not validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	switch {
	case err == nil:
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader([]byte(substituteEnvVars(string(data))))); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && path == DefaultPath:
		// defaults and environment only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applySecrets(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// applySecrets overrides secret keys with the content of same-named files
// in the secrets dir, when present.
func applySecrets(v *viper.Viper) error {
	dir := v.GetString("secrets_dir")
	if dir == "" {
		return nil
	}
	for key, name := range secretFiles {
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // G304: fixed names under the secrets dir
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				continue
			}
			return fmt.Errorf("failed to read secret %s: %w", name, err)
		}
		v.Set(key, strings.TrimSpace(string(data)))
	}
	return nil
}

// Marshal renders cfg as YAML
func Marshal(cfg Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return data, nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}

// Package config provides the configuration of a sql2arc run.
//
// The configuration is organized into logical sections:
//   - Pipeline: chunk size, worker pool size, admission capacity, timeouts
//   - Database and Source: where investigations and their children live
//   - Conversion: ARC size limits
//   - Sink, API and S3: where converted ARCs go
//   - Observability: metrics, tracing and error reporting
//
// Values are read from a YAML file, then overridden by SQL_TO_ARC_*
// environment variables, then by secret files (see Load).
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

// Sink types
const (
	SinkARCAPI  = "arcapi"
	SinkS3      = "s3"
	SinkDiscard = "discard"
)

// Config is the complete, immutable configuration of one run.
type Config struct {
	LogLevel           string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat          string `mapstructure:"log_format" yaml:"log_format"`
	SecretsDir         string `mapstructure:"secrets_dir" yaml:"secrets_dir"`
	ReportPath         string `mapstructure:"report_path" yaml:"report_path"`
	FailOnRecordErrors bool   `mapstructure:"fail_on_record_errors" yaml:"fail_on_record_errors"`

	// RDI identifies the research data infrastructure the ARCs belong to
	RDI    string `mapstructure:"rdi" yaml:"rdi"`
	RDIURL string `mapstructure:"rdi_url" yaml:"rdi_url"`

	Pipeline      PipelineConfig      `mapstructure:"pipeline" yaml:"pipeline"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Source        SourceConfig        `mapstructure:"source" yaml:"source"`
	Conversion    ConversionConfig    `mapstructure:"conversion" yaml:"conversion"`
	Sink          SinkConfig          `mapstructure:"sink" yaml:"sink"`
	API           APIConfig           `mapstructure:"api" yaml:"api"`
	S3            S3Config            `mapstructure:"s3" yaml:"s3"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// PipelineConfig holds the run parameters of the conversion pipeline.
type PipelineConfig struct {
	// ChunkSize is the number of parent records fetched per source query
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`
	// WorkerPoolSize bounds parallel conversions
	WorkerPoolSize int `mapstructure:"worker_pool_size" yaml:"worker_pool_size"`
	// AdmissionCapacity bounds record groups in flight between fetch and
	// upload. Zero means 4 x WorkerPoolSize.
	AdmissionCapacity int `mapstructure:"admission_capacity" yaml:"admission_capacity"`
	// ConversionTimeout bounds a single conversion
	ConversionTimeout time.Duration `mapstructure:"conversion_timeout" yaml:"conversion_timeout"`
	// ReclaimEvery forces a GC pass in a worker after this many jobs (0 disables)
	ReclaimEvery int `mapstructure:"reclaim_every" yaml:"reclaim_every"`
	// MemoryLimitMB sets the Go runtime soft memory limit (0 leaves it unset)
	MemoryLimitMB int `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
}

// DatabaseConfig describes the PostgreSQL connection.
type DatabaseConfig struct {
	// DSN takes precedence over the discrete fields when set
	DSN              string        `mapstructure:"dsn" yaml:"dsn"`
	Host             string        `mapstructure:"host" yaml:"host"`
	Port             int           `mapstructure:"port" yaml:"port"`
	Name             string        `mapstructure:"name" yaml:"name"`
	User             string        `mapstructure:"user" yaml:"user"`
	Password         string        `mapstructure:"password" yaml:"password"`
	SSLMode          string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConns         int           `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ConnectRetries   int           `mapstructure:"connect_retries" yaml:"connect_retries"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout" yaml:"statement_timeout"`
}

// ConnString builds a pgx connection string
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// SourceConfig describes the parent table and its child tables.
type SourceConfig struct {
	ParentTable   string        `mapstructure:"parent_table" yaml:"parent_table"`
	ParentColumns []string      `mapstructure:"parent_columns" yaml:"parent_columns"`
	IDColumn      string        `mapstructure:"id_column" yaml:"id_column"`
	Children      []ChildConfig `mapstructure:"children" yaml:"children"`
}

// ChildConfig describes one child record type fetched with a grouped lookup.
type ChildConfig struct {
	Name       string   `mapstructure:"name" yaml:"name"`
	Table      string   `mapstructure:"table" yaml:"table"`
	Columns    []string `mapstructure:"columns" yaml:"columns"`
	IDColumn   string   `mapstructure:"id_column" yaml:"id_column"`
	ForeignKey string   `mapstructure:"foreign_key" yaml:"foreign_key"`
	// Parent is empty for children of the root record, otherwise the
	// name of an earlier child type.
	Parent string `mapstructure:"parent" yaml:"parent"`
}

// ConversionConfig bounds the size of a single ARC.
type ConversionConfig struct {
	MaxStudies int `mapstructure:"max_studies" yaml:"max_studies"`
	MaxAssays  int `mapstructure:"max_assays" yaml:"max_assays"`
}

// SinkConfig selects the upload target.
type SinkConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
}

// APIConfig configures the ARC API sink.
type APIConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	ClientCertPath  string        `mapstructure:"client_cert_path" yaml:"client_cert_path"`
	ClientKeyPath   string        `mapstructure:"client_key_path" yaml:"client_key_path"`
	CACertPath      string        `mapstructure:"ca_cert_path" yaml:"ca_cert_path"`
	VerifySSL       bool          `mapstructure:"verify_ssl" yaml:"verify_ssl"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimitPerSec int           `mapstructure:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
	Compression     string        `mapstructure:"compression" yaml:"compression"`
	OAuth2          OAuth2Config  `mapstructure:"oauth2" yaml:"oauth2"`
}

// OAuth2Config enables client-credentials authentication when TokenURL is set.
type OAuth2Config struct {
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url"`
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
}

// Enabled reports whether OAuth2 is configured
func (o OAuth2Config) Enabled() bool {
	return o.TokenURL != ""
}

// S3Config configures the S3 sink.
type S3Config struct {
	Bucket      string `mapstructure:"bucket" yaml:"bucket"`
	Prefix      string `mapstructure:"prefix" yaml:"prefix"`
	Region      string `mapstructure:"region" yaml:"region"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Compression string `mapstructure:"compression" yaml:"compression"`
	PartSizeMB  int    `mapstructure:"part_size_mb" yaml:"part_size_mb"`
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
}

// ObservabilityConfig configures metrics, tracing and error reporting.
type ObservabilityConfig struct {
	MetricsAddr       string  `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	SentryDSN         string  `mapstructure:"sentry_dsn" yaml:"sentry_dsn"`
	Environment       string  `mapstructure:"environment" yaml:"environment"`
}

// EffectiveAdmissionCapacity returns the admission capacity, deriving it
// from the worker pool size when unset.
func (p PipelineConfig) EffectiveAdmissionCapacity() int {
	if p.AdmissionCapacity <= 0 {
		return 4 * p.WorkerPoolSize
	}
	return p.AdmissionCapacity
}

// Validate checks the pipeline parameters.
func (p PipelineConfig) Validate() error {
	var err error
	if p.ChunkSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("pipeline.chunk_size must be positive"))
	}
	if p.WorkerPoolSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("pipeline.worker_pool_size must be positive"))
	}
	if p.AdmissionCapacity < 0 {
		err = multierr.Append(err, fmt.Errorf("pipeline.admission_capacity cannot be negative"))
	} else if p.WorkerPoolSize > 0 && p.EffectiveAdmissionCapacity() < p.WorkerPoolSize {
		err = multierr.Append(err, fmt.Errorf("pipeline.admission_capacity (%d) must be >= worker_pool_size (%d)",
			p.AdmissionCapacity, p.WorkerPoolSize))
	}
	if p.ConversionTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("pipeline.conversion_timeout must be positive"))
	}
	if p.ReclaimEvery < 0 {
		err = multierr.Append(err, fmt.Errorf("pipeline.reclaim_every cannot be negative"))
	}
	if p.MemoryLimitMB < 0 {
		err = multierr.Append(err, fmt.Errorf("pipeline.memory_limit_mb cannot be negative"))
	}
	return err
}

// Validate validates the configuration for correctness. All problems are
// reported at once.
func (c *Config) Validate() error {
	err := c.Pipeline.Validate()

	if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.Name == "") {
		err = multierr.Append(err, fmt.Errorf("database.dsn or database.host and database.name are required"))
	}
	if c.Source.ParentTable == "" || c.Source.IDColumn == "" {
		err = multierr.Append(err, fmt.Errorf("source.parent_table and source.id_column are required"))
	}
	seen := map[string]bool{}
	for i, ch := range c.Source.Children {
		if ch.Name == "" || ch.Table == "" || ch.ForeignKey == "" {
			err = multierr.Append(err, fmt.Errorf("source.children[%d]: name, table and foreign_key are required", i))
		}
		if ch.Parent != "" && !seen[ch.Parent] {
			err = multierr.Append(err, fmt.Errorf("source.children[%d]: parent %q must name an earlier child", i, ch.Parent))
		}
		seen[ch.Name] = true
	}
	if c.Conversion.MaxStudies < 0 || c.Conversion.MaxAssays < 0 {
		err = multierr.Append(err, fmt.Errorf("conversion limits cannot be negative"))
	}

	switch c.Sink.Type {
	case SinkARCAPI:
		if c.API.URL == "" {
			err = multierr.Append(err, fmt.Errorf("api.url is required for the %s sink", SinkARCAPI))
		}
		if (c.API.ClientCertPath == "") != (c.API.ClientKeyPath == "") {
			err = multierr.Append(err, fmt.Errorf("api.client_cert_path and api.client_key_path must be set together"))
		}
		if c.API.RateLimitPerSec < 0 {
			err = multierr.Append(err, fmt.Errorf("api.rate_limit_per_sec cannot be negative"))
		}
	case SinkS3:
		if c.S3.Bucket == "" {
			err = multierr.Append(err, fmt.Errorf("s3.bucket is required for the %s sink", SinkS3))
		}
	case SinkDiscard:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown sink.type %q", c.Sink.Type))
	}

	if c.RDI == "" {
		err = multierr.Append(err, fmt.Errorf("rdi is required"))
	}
	return err
}

const redacted = "********"

// Redacted returns a copy with secrets masked, suitable for printing.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	c.Database.Password = mask(c.Database.Password)
	if c.Database.DSN != "" {
		c.Database.DSN = redacted
	}
	c.API.OAuth2.ClientSecret = mask(c.API.OAuth2.ClientSecret)
	c.Observability.SentryDSN = mask(c.Observability.SentryDSN)
	return c
}

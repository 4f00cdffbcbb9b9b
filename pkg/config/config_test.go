package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "rdi: edaphobase\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 5, cfg.Pipeline.WorkerPoolSize)
	assert.Equal(t, 20, cfg.Pipeline.EffectiveAdmissionCapacity())
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.ConversionTimeout)
	assert.Equal(t, "ARC_Investigation", cfg.Source.ParentTable)
	require.Len(t, cfg.Source.Children, 2)
	assert.Equal(t, "studies", cfg.Source.Children[0].Name)
	assert.Equal(t, "investigation_id", cfg.Source.Children[0].ForeignKey)
	assert.Equal(t, "studies", cfg.Source.Children[1].Parent)
	assert.Equal(t, 5000, cfg.Conversion.MaxStudies)
	assert.Equal(t, 10000, cfg.Conversion.MaxAssays)
	assert.Equal(t, SinkARCAPI, cfg.Sink.Type)
	assert.True(t, cfg.API.VerifySSL)
	assert.True(t, cfg.FailOnRecordErrors)
}

func TestLoad_FileEnvAndSecrets(t *testing.T) {
	dir := t.TempDir()
	secrets := filepath.Join(dir, "secrets")
	require.NoError(t, os.Mkdir(secrets, 0o700))
	writeFile(t, secrets, "db_password", "s3cret\n")

	t.Setenv("ARC_API_HOST", "https://arc.example.org")
	t.Setenv("SQL_TO_ARC_PIPELINE_WORKER_POOL_SIZE", "3")
	t.Setenv("SQL_TO_ARC_PIPELINE_CONVERSION_TIMEOUT", "45s")

	path := writeFile(t, dir, "config.yaml", `
rdi: edaphobase
secrets_dir: `+secrets+`
pipeline:
  chunk_size: 2
  worker_pool_size: 8
  admission_capacity: 6
database:
  host: db
  name: arcs
  password: from-file
api:
  url: ${ARC_API_HOST}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 3, cfg.Pipeline.WorkerPoolSize, "env must override file")
	assert.Equal(t, 6, cfg.Pipeline.EffectiveAdmissionCapacity())
	assert.Equal(t, 45*time.Second, cfg.Pipeline.ConversionTimeout)
	assert.Equal(t, "s3cret", cfg.Database.Password, "secret file must override file")
	assert.Equal(t, "https://arc.example.org", cfg.API.URL)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "pipeline: [unclosed\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestPipelineConfig_Validate(t *testing.T) {
	valid := PipelineConfig{ChunkSize: 10, WorkerPoolSize: 2, AdmissionCapacity: 8, ConversionTimeout: time.Second}

	tests := []struct {
		name    string
		mutate  func(p *PipelineConfig)
		wantErr string
	}{
		{"valid", func(p *PipelineConfig) {}, ""},
		{"derived capacity", func(p *PipelineConfig) { p.AdmissionCapacity = 0 }, ""},
		{"zero chunk", func(p *PipelineConfig) { p.ChunkSize = 0 }, "chunk_size"},
		{"zero workers", func(p *PipelineConfig) { p.WorkerPoolSize = 0 }, "worker_pool_size"},
		{"capacity below pool", func(p *PipelineConfig) { p.AdmissionCapacity = 1 }, "must be >= worker_pool_size"},
		{"negative capacity", func(p *PipelineConfig) { p.AdmissionCapacity = -1 }, "cannot be negative"},
		{"zero timeout", func(p *PipelineConfig) { p.ConversionTimeout = 0 }, "conversion_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_ReportsAllProblems(t *testing.T) {
	cfg := &Config{
		Pipeline: PipelineConfig{ChunkSize: 0, WorkerPoolSize: 1, ConversionTimeout: time.Second},
		Source: SourceConfig{
			ParentTable: "inv",
			IDColumn:    "id",
			Children:    []ChildConfig{{Name: "assays", Table: "a", ForeignKey: "study_id", Parent: "studies"}},
		},
		Sink: SinkConfig{Type: "ftp"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	errs := multierr.Errors(err)
	assert.GreaterOrEqual(t, len(errs), 5)
	assert.Contains(t, err.Error(), "chunk_size")
	assert.Contains(t, err.Error(), "earlier child")
	assert.Contains(t, err.Error(), `unknown sink.type "ftp"`)
	assert.Contains(t, err.Error(), "rdi is required")
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestConfig_Validate_Sinks(t *testing.T) {
	base := func() *Config {
		return &Config{
			RDI:      "edaphobase",
			Pipeline: PipelineConfig{ChunkSize: 1, WorkerPoolSize: 1, ConversionTimeout: time.Second},
			Database: DatabaseConfig{DSN: "postgres://x"},
			Source:   SourceConfig{ParentTable: "inv", IDColumn: "id"},
		}
	}

	cfg := base()
	cfg.Sink.Type = SinkARCAPI
	cfg.API.ClientCertPath = "cert.pem"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.url")
	assert.Contains(t, err.Error(), "must be set together")

	cfg = base()
	cfg.Sink.Type = SinkS3
	assert.ErrorContains(t, cfg.Validate(), "s3.bucket")

	cfg = base()
	cfg.Sink.Type = SinkDiscard
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Config{}
	cfg.Database.Password = "pw"
	cfg.API.OAuth2.ClientSecret = "hunter2"

	r := cfg.Redacted()
	assert.Equal(t, redacted, r.Database.Password)
	assert.Equal(t, redacted, r.API.OAuth2.ClientSecret)
	assert.Empty(t, r.Observability.SentryDSN)
	assert.Equal(t, "pw", cfg.Database.Password, "original must be untouched")

	data, err := Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), "chunk_size")
}

func TestDatabaseConfig_ConnString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Name: "arcs", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/arcs?sslmode=disable", d.ConnString())

	d.DSN = "postgres://override"
	assert.Equal(t, "postgres://override", d.ConnString())
}

func TestDatabaseConfig_ConnString_Escaping(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
	}{
		{"reserved characters", "reader", "p@ss/w#rd?"},
		{"colon", "reader", "a:b"},
		{"percent sequence", "reader", "s%25"},
		{"user with at sign", "svc@corp", "pw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DatabaseConfig{Host: "db", Port: 5432, Name: "arcs", User: tt.user, Password: tt.password, SSLMode: "require"}

			u, err := url.Parse(d.ConnString())
			require.NoError(t, err)
			assert.Equal(t, tt.user, u.User.Username())
			password, ok := u.User.Password()
			require.True(t, ok)
			assert.Equal(t, tt.password, password)
			assert.Equal(t, "db:5432", u.Host)
			assert.Equal(t, "/arcs", u.Path)
			assert.Equal(t, "require", u.Query().Get("sslmode"))
		})
	}
}

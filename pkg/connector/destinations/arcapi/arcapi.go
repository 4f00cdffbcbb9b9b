// Package arcapi uploads ARCs to the FAIRagro middleware API
// (POST {url}/v1/arcs), one ARC per request.
package arcapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/clients"
	"github.com/fairagro/sql2arc/pkg/compression"
	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/json"
	"github.com/fairagro/sql2arc/pkg/models"
)

const (
	arcsPath = "/v1/arcs"
	// maxResponseBody bounds how much of a response is read
	maxResponseBody = 1 << 20
)

// Doer sends one HTTP request
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Request is the body of a create-or-update call
type Request struct {
	RDI  string            `json:"rdi"`
	ARCs []json.RawMessage `json:"arcs"`
}

// Response is returned by the API on success
type Response struct {
	ClientID string      `json:"client_id"`
	Message  string      `json:"message"`
	RDI      string      `json:"rdi"`
	ARCs     []ARCStatus `json:"arcs"`
}

// ARCStatus reports what happened to one ARC
type ARCStatus struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Destination is a core.Sink posting to the ARC API
type Destination struct {
	endpoint   string
	rdi        string
	client     Doer
	compressor compression.Compressor
	logger     *zap.Logger

	uploaded     atomic.Int64
	failed       atomic.Int64
	bytesWritten atomic.Int64
}

// New creates a destination sending through client
func New(client Doer, baseURL, rdi string, compressor compression.Compressor, logger *zap.Logger) (*Destination, error) {
	if baseURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "api url is required")
	}
	if compressor == nil {
		compressor, _ = compression.NewCompressor(nil)
	}
	return &Destination{
		endpoint:   strings.TrimRight(baseURL, "/") + arcsPath,
		rdi:        rdi,
		client:     client,
		compressor: compressor,
		logger:     logger.With(zap.String("component", "arcapi_sink")),
	}, nil
}

// Open builds the HTTP client from cfg and returns a destination
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Destination, error) {
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RequestTimeout = cfg.API.Timeout
	httpCfg.ClientCertPath = cfg.API.ClientCertPath
	httpCfg.ClientKeyPath = cfg.API.ClientKeyPath
	httpCfg.CACertPath = cfg.API.CACertPath
	httpCfg.InsecureSkipVerify = !cfg.API.VerifySSL
	httpCfg.RateLimit = float64(cfg.API.RateLimitPerSec)
	httpCfg.RateBurst = cfg.API.RateLimitPerSec
	if cfg.API.OAuth2.Enabled() {
		httpCfg.OAuth2 = &clients.OAuth2Config{
			TokenURL:     cfg.API.OAuth2.TokenURL,
			ClientID:     cfg.API.OAuth2.ClientID,
			ClientSecret: cfg.API.OAuth2.ClientSecret,
			Scopes:       cfg.API.OAuth2.Scopes,
		}
	}

	client, err := clients.NewHTTPClient(ctx, httpCfg, logger)
	if err != nil {
		return nil, err
	}

	algo, err := compression.ParseAlgorithm(cfg.API.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid api.compression")
	}
	compressor, err := compression.NewCompressor(&compression.Config{Algorithm: algo})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid api.compression")
	}
	return New(client, cfg.API.URL, cfg.RDI, compressor, logger)
}

func (d *Destination) Name() string { return "arcapi" }

// Upload sends artifact in a single request. Transport failures get
// reason transport, non-2xx responses reason http_status.
func (d *Destination) Upload(ctx context.Context, id string, artifact models.Artifact) error {
	body, err := json.Marshal(Request{RDI: d.rdi, ARCs: []json.RawMessage{json.RawMessage(artifact)}})
	if err != nil {
		return d.fail(errors.Wrap(err, errors.ErrorTypeUpload, "failed to encode request").
			WithDetail(errors.DetailReason, models.ReasonError), id)
	}
	body, err = d.compressor.Compress(body)
	if err != nil {
		return d.fail(errors.Wrap(err, errors.ErrorTypeUpload, "failed to compress request").
			WithDetail(errors.DetailReason, models.ReasonError), id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return d.fail(errors.Wrap(err, errors.ErrorTypeUpload, "failed to build request").
			WithDetail(errors.DetailReason, models.ReasonError), id)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if enc := d.compressor.ContentEncoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}

	resp, err := d.client.Do(ctx, req)
	if err != nil {
		reason := models.ReasonTransport
		if ctx.Err() != nil {
			reason = models.ReasonCanceled
		}
		return d.fail(errors.Wrap(err, errors.ErrorTypeUpload, "request error").
			WithDetail(errors.DetailReason, reason), id)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return d.fail(errors.Wrap(err, errors.ErrorTypeUpload, "failed to read response").
			WithDetail(errors.DetailReason, models.ReasonTransport), id)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return d.fail(errors.Newf(errors.ErrorTypeUpload, "HTTP error %d: %s", resp.StatusCode, snippet(payload)).
			WithDetail(errors.DetailReason, models.ReasonHTTPStatus).
			WithDetail(errors.DetailStatus, resp.StatusCode), id)
	}

	d.uploaded.Add(1)
	d.bytesWritten.Add(int64(len(body)))

	var out Response
	if err := json.Unmarshal(payload, &out); err != nil {
		d.logger.Warn("unparseable response to accepted upload", zap.String("id", id), zap.Error(err))
		return nil
	}
	for _, a := range out.ARCs {
		d.logger.Debug("arc stored",
			zap.String("id", id),
			zap.String("arc_id", a.ID),
			zap.String("status", a.Status))
	}
	return nil
}

func (d *Destination) fail(err *errors.Error, id string) error {
	d.failed.Add(1)
	return err.WithDetail(errors.DetailID, id)
}

// Close releases idle connections
func (d *Destination) Close(context.Context) error {
	if c, ok := d.client.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	d.logger.Info("arc api sink closed",
		zap.Int64("uploaded", d.uploaded.Load()),
		zap.Int64("failed", d.failed.Load()),
		zap.Int64("bytes", d.bytesWritten.Load()))
	return nil
}

// Metrics returns upload counters
func (d *Destination) Metrics() map[string]interface{} {
	m := map[string]interface{}{
		"uploaded":      d.uploaded.Load(),
		"failed":        d.failed.Load(),
		"bytes_written": d.bytesWritten.Load(),
	}
	if c, ok := d.client.(interface{ GetStats() map[string]interface{} }); ok {
		m["http"] = c.GetStats()
	}
	return m
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func (d *Destination) String() string {
	return fmt.Sprintf("arcapi(%s)", d.endpoint)
}

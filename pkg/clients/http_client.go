// Package clients provides the outbound HTTP client used by sinks
package clients

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/fairagro/sql2arc/pkg/errors"
)

// HTTPClient is an HTTP client with a shared connection pool, optional
// mutual TLS, optional OAuth2 and client-side rate limiting. It never
// retries: every Do is exactly one attempt.
type HTTPClient struct {
	config  *HTTPConfig
	logger  *zap.Logger
	client  *retryablehttp.Client
	limiter *RateLimiter

	totalRequests  atomic.Int64
	failedRequests atomic.Int64
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Connection settings
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// HTTP/2 settings
	EnableHTTP2 bool

	// Timeouts
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	RequestTimeout      time.Duration

	// TLS settings
	ClientCertPath     string
	ClientKeyPath      string
	CACertPath         string
	InsecureSkipVerify bool

	// Rate limiting, requests per second; zero disables it
	RateLimit float64
	RateBurst int

	// OAuth2 client credentials; disabled when TokenURL is empty
	OAuth2 *OAuth2Config
}

// DefaultHTTPConfig returns the default configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
		EnableHTTP2:         true,
		DialTimeout:         30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		RequestTimeout:      60 * time.Second,
	}
}

// NewHTTPClient creates a client. TLS material is loaded eagerly so a bad
// certificate path fails at startup rather than on the first upload.
func NewHTTPClient(ctx context.Context, config *HTTPConfig, logger *zap.Logger) (*HTTPClient, error) {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	logger = logger.With(zap.String("component", "http_client"))

	tlsConfig, err := NewTLSConfig(config.ClientCertPath, config.ClientKeyPath, config.CACertPath, config.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       tlsConfig,
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		} else {
			logger.Debug("HTTP/2 enabled")
		}
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
	if config.OAuth2 != nil && config.OAuth2.TokenURL != "" {
		httpClient = NewOAuth2HTTPClient(ctx, config.OAuth2, httpClient)
		logger.Info("OAuth2 client credentials enabled", zap.String("token_url", config.OAuth2.TokenURL))
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = 0
	rc.CheckRetry = noRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = &leveledLogger{logger: logger.Sugar()}

	c := &HTTPClient{
		config: config,
		logger: logger,
		client: rc,
	}
	if config.RateLimit > 0 {
		c.limiter = NewRateLimiter(config.RateLimit, config.RateBurst)
	}
	return c, nil
}

// NewTLSConfig builds the client TLS configuration. Certificate and key
// must be given together; the CA file is optional.
func NewTLSConfig(certPath, keyPath, caPath string, insecureSkipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // operator opt-in via verify_ssl
	}

	switch {
	case certPath != "" && keyPath != "":
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	case certPath != "" || keyPath != "":
		return nil, errors.New(errors.ErrorTypeConfig, "client certificate and key must be set together")
	}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read CA certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Newf(errors.ErrorTypeConfig, "no certificates found in %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Do sends req once, waiting for the rate limiter first. A non-2xx
// response is returned without error; the caller owns the body.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limiter wait aborted")
		}
	}

	rreq, err := retryablehttp.FromRequest(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to prepare request")
	}

	c.totalRequests.Add(1)
	resp, err := c.client.Do(rreq)
	if err != nil {
		c.failedRequests.Add(1)
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}
	if resp.StatusCode >= 400 {
		c.failedRequests.Add(1)
	}
	return resp, nil
}

// CloseIdleConnections closes pooled connections
func (c *HTTPClient) CloseIdleConnections() {
	c.client.HTTPClient.CloseIdleConnections()
}

// GetStats returns request counters
func (c *HTTPClient) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"total_requests":  c.totalRequests.Load(),
		"failed_requests": c.failedRequests.Load(),
	}
	if c.limiter != nil {
		stats["rate_limiter"] = c.limiter.GetStats()
	}
	return stats
}

func noRetry(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, err
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger
type leveledLogger struct {
	logger *zap.SugaredLogger
}

func (l *leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Errorw(msg, kv...) }
func (l *leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warnw(msg, kv...) }
func (l *leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Debugw(msg, kv...) }
func (l *leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Debugw(msg, kv...) }

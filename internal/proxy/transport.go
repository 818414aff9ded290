package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// TransportConfig configures the HTTP transport used to reach one upstream
// service. Each registered service gets its own transport in a TransportPool
// so connection pools, timeouts and TLS settings never leak across services.
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	// TLS settings
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string

	// Keep-alive
	DisableKeepAlives bool

	// HTTP/2
	ForceHTTP2 bool

	// DNS
	Resolver *net.Resolver // nil = default OS resolver

	// FollowRedirects, when true, wraps the transport so 3xx upstream
	// responses are followed internally instead of passed through to the
	// caller. A service may opt into this per-service.
	FollowRedirects bool
	MaxRedirects    int

	// IdleReadTimeout bounds how long a streamed response body may go
	// without producing a byte before the read fails; zero disables it.
	IdleReadTimeout time.Duration
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 0, // no timeout
	ExpectContinueTimeout: 1 * time.Second,
	InsecureSkipVerify:    false,
	DisableKeepAlives:     false,
	ForceHTTP2:            true,
}

// buildTLSConfig creates a shared TLS configuration from transport settings.
func buildTLSConfig(cfg TransportConfig) *tls.Config {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	// Load custom CA file if specified
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(caCert)
			tlsConfig.RootCAs = pool
		}
	}

	// Load client certificate for upstream mTLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err == nil {
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig
}

// NewTransport creates a new HTTP transport with the given configuration,
// wrapped with redirect-following when cfg.FollowRedirects is set.
func NewTransport(cfg TransportConfig) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
		Resolver:  cfg.Resolver,
	}

	tlsConfig := buildTLSConfig(cfg)

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}

	if cfg.FollowRedirects {
		return NewRedirectTransport(base, cfg.MaxRedirects)
	}
	return base
}

// DefaultTransport creates a transport with default settings
func DefaultTransport() http.RoundTripper {
	return NewTransport(DefaultTransportConfig)
}

// TransportWithTimeout creates a transport with a specific response header timeout
func TransportWithTimeout(timeout time.Duration) http.RoundTripper {
	cfg := DefaultTransportConfig
	cfg.ResponseHeaderTimeout = timeout
	return NewTransport(cfg)
}

// MergeTransportConfigs applies the non-zero values of each overlay
// TransportConfig, in order, onto a base TransportConfig, producing the
// per-service transport config.
func MergeTransportConfigs(base TransportConfig, overlays ...TransportConfig) TransportConfig {
	for _, o := range overlays {
		if o.MaxIdleConns > 0 {
			base.MaxIdleConns = o.MaxIdleConns
		}
		if o.MaxIdleConnsPerHost > 0 {
			base.MaxIdleConnsPerHost = o.MaxIdleConnsPerHost
		}
		if o.MaxConnsPerHost > 0 {
			base.MaxConnsPerHost = o.MaxConnsPerHost
		}
		if o.IdleConnTimeout > 0 {
			base.IdleConnTimeout = o.IdleConnTimeout
		}
		if o.DialTimeout > 0 {
			base.DialTimeout = o.DialTimeout
		}
		if o.TLSHandshakeTimeout > 0 {
			base.TLSHandshakeTimeout = o.TLSHandshakeTimeout
		}
		if o.ResponseHeaderTimeout > 0 {
			base.ResponseHeaderTimeout = o.ResponseHeaderTimeout
		}
		if o.ExpectContinueTimeout > 0 {
			base.ExpectContinueTimeout = o.ExpectContinueTimeout
		}
		if o.DisableKeepAlives {
			base.DisableKeepAlives = true
		}
		if o.InsecureSkipVerify {
			base.InsecureSkipVerify = true
		}
		if o.CAFile != "" {
			base.CAFile = o.CAFile
		}
		if o.CertFile != "" {
			base.CertFile = o.CertFile
		}
		if o.KeyFile != "" {
			base.KeyFile = o.KeyFile
		}
		if o.FollowRedirects {
			base.FollowRedirects = true
			base.MaxRedirects = o.MaxRedirects
		}
		if o.IdleReadTimeout > 0 {
			base.IdleReadTimeout = o.IdleReadTimeout
		}
	}
	return base
}

// TransportPool manages a pool of transports keyed by service id, so each
// service's connection pool, timeouts and TLS settings stay isolated.
type TransportPool struct {
	defaultTransport http.RoundTripper
	transports        map[string]http.RoundTripper
	configs           map[string]TransportConfig
}

// NewTransportPool creates a new transport pool with a default transport.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		defaultTransport: DefaultTransport(),
		transports:       make(map[string]http.RoundTripper),
		configs:          make(map[string]TransportConfig),
	}
}

// NewTransportPoolWithDefault creates a new transport pool with a custom default config.
func NewTransportPoolWithDefault(cfg TransportConfig) *TransportPool {
	return &TransportPool{
		defaultTransport: NewTransport(cfg),
		transports:       make(map[string]http.RoundTripper),
		configs:          make(map[string]TransportConfig),
	}
}

// Get returns a transport for the given upstream name.
// Returns the default transport for empty or unknown names.
func (tp *TransportPool) Get(name string) http.RoundTripper {
	if name != "" {
		if t, ok := tp.transports[name]; ok {
			return t
		}
	}
	return tp.defaultTransport
}

// Set adds a named transport built from the given config.
func (tp *TransportPool) Set(name string, cfg TransportConfig) {
	tp.transports[name] = NewTransport(cfg)
	tp.configs[name] = cfg
}

// IdleReadTimeout returns the configured idle-read timeout for name's
// transport, or zero if none was configured.
func (tp *TransportPool) IdleReadTimeout(name string) time.Duration {
	return tp.configs[name].IdleReadTimeout
}

// SetForHost sets a custom transport for a host (legacy API, delegates to Set).
func (tp *TransportPool) SetForHost(host string, cfg TransportConfig) {
	tp.Set(host, cfg)
}

// Names returns the upstream names that have custom transports.
func (tp *TransportPool) Names() []string {
	names := make([]string, 0, len(tp.transports))
	for name := range tp.transports {
		names = append(names, name)
	}
	return names
}

// DefaultConfig returns the settings of the default transport as a map of
// display-friendly values.
func (tp *TransportPool) DefaultConfig() map[string]interface{} {
	dt, ok := unwrapTransport(tp.defaultTransport)
	if !ok {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"max_idle_conns":          dt.MaxIdleConns,
		"max_idle_conns_per_host": dt.MaxIdleConnsPerHost,
		"max_conns_per_host":      dt.MaxConnsPerHost,
		"idle_conn_timeout":       fmt.Sprintf("%v", dt.IdleConnTimeout),
		"tls_handshake_timeout":   fmt.Sprintf("%v", dt.TLSHandshakeTimeout),
		"response_header_timeout": fmt.Sprintf("%v", dt.ResponseHeaderTimeout),
		"expect_continue_timeout": fmt.Sprintf("%v", dt.ExpectContinueTimeout),
		"disable_keep_alives":     dt.DisableKeepAlives,
		"force_attempt_http2":     dt.ForceAttemptHTTP2,
	}
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	closeIdle(tp.defaultTransport)
	for _, t := range tp.transports {
		closeIdle(t)
	}
}

// unwrapTransport recovers the *http.Transport inside rt, looking through a
// RedirectTransport wrapper if present.
func unwrapTransport(rt http.RoundTripper) (*http.Transport, bool) {
	switch t := rt.(type) {
	case *http.Transport:
		return t, true
	case *RedirectTransport:
		return unwrapTransport(t.inner)
	default:
		return nil, false
	}
}

// closeIdle closes idle connections on a transport, looking through a
// RedirectTransport wrapper if present.
func closeIdle(rt http.RoundTripper) {
	if dt, ok := unwrapTransport(rt); ok {
		dt.CloseIdleConnections()
	}
}

// Package proxy forwards admitted requests to the upstream a service
// registers in internal/registry, streaming both directions and enforcing
// the end-to-end deadline and retry rules a service declares.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
	"github.com/tause-ai/gateway/internal/metrics"
	"github.com/tause-ai/gateway/internal/registry"
)

func init() {
	uuid.EnableRandPool()
}

// ctxKey namespaces this package's context keys so they never collide with
// keys set by other packages sharing the same request's context.Context.
type ctxKey int

const (
	tenantIDKey ctxKey = iota
	traceIDKey
)

// WithTenantID stashes the resolved tenant id for the proxy handler to read
// back out and inject as X-Tenant-ID. Set by the gateway's resolver stage.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantIDFromContext returns the tenant id stashed by WithTenantID, or "".
func TenantIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantIDKey).(string)
	return id
}

// WithTraceID stashes an opaque gateway trace id for the proxy handler to
// inject as X-Gateway-Trace and attach to error envelopes.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id stashed by WithTraceID, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// hopHeaders lists headers meaningful only for a single hop; they are
// stripped from both the outgoing request and the returned response.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "TE", "Trailer",
	"Upgrade", "Proxy-Authorization", "Proxy-Authenticate",
}

// removeHopHeaders strips hop-by-hop headers, including any headers the
// Connection header itself names.
func removeHopHeaders(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, name := range strings.Split(c, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

var retryableMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

func isRetryableMethod(method string) bool {
	return retryableMethods[strings.ToUpper(method)]
}

func isRetryableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// gatewayServerHeader replaces whatever the upstream reports in Server.
const gatewayServerHeader = "tause-gateway"

const maxBufferedRetryBody = 10 << 20 // 10MB cap on bodies buffered for retry

// Handler proxies admitted requests to the registry's matched service,
// applying a header rewrite table, retry policy and error mapping over a
// single HTTP-only code path (no hedging, no multi-protocol adapters).
type Handler struct {
	Registry         *registry.Registry
	Pool             *TransportPool
	Metrics          *metrics.Collector
	DefaultTimeoutMS int
}

// NewHandler builds a Handler. defaultTimeoutMS is used for any service that
// declares no timeout_ms of its own.
func NewHandler(reg *registry.Registry, pool *TransportPool, collector *metrics.Collector, defaultTimeoutMS int) *Handler {
	if defaultTimeoutMS <= 0 {
		defaultTimeoutMS = 30000
	}
	return &Handler{Registry: reg, Pool: pool, Metrics: collector, DefaultTimeoutMS: defaultTimeoutMS}
}

// ServeHTTP implements http.Handler. It is meant to run last in the
// gateway's middleware chain, after tenant resolution and rate limiting have
// already populated the request context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID := TenantIDFromContext(r.Context())

	match, ok := h.Registry.LookupByPath(r.Host, r.URL.Path)
	if !ok {
		h.fail(w, r, start, "", "", gwerrors.New(gwerrors.RouteNotFound, "no service matches this path"))
		return
	}
	svc := match.Service

	if !registry.MethodAllowed(svc, r.Method) {
		w.Header().Set("Allow", strings.Join(svc.AllowedMethods, ", "))
		h.fail(w, r, start, svc.ID, match.MatchedPath, gwerrors.New(gwerrors.MethodNotAllowed, "method not allowed for this service"))
		return
	}

	traceID := TraceIDFromContext(r.Context())
	if traceID == "" {
		traceID = uuid.NewString()
	}
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	timeout := svc.Timeout(h.DefaultTimeoutMS)
	if dl, ok := r.Context().Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	status, retries := h.forward(ctx, w, r, svc, match, tenantID, traceID, requestID)

	route := svc.ID + match.MatchedPath
	if h.Metrics != nil {
		h.Metrics.RecordRequest(route, r.Method, status, time.Since(start))
		for i := 0; i < retries; i++ {
			h.Metrics.RecordRetry(route)
		}
	}
}

// forward builds the outgoing request, executes it with the service's retry
// policy, and streams the result back to w. It returns the final status
// code written to the client and the number of retries performed.
func (h *Handler) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, svc registry.Service, match registry.Match, tenantID, traceID, requestID string) (status int, retries int) {
	outPath := r.URL.Path
	if svc.StripPrefix {
		outPath = strings.TrimPrefix(outPath, match.MatchedPath)
		if !strings.HasPrefix(outPath, "/") {
			outPath = "/" + outPath
		}
	}
	targetURL := strings.TrimRight(svc.BaseURL, "/") + outPath
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	retryable := isRetryableMethod(r.Method) && svc.RetryPolicy.Attempts > 0
	var bodyBytes []byte
	if retryable && r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedRetryBody))
		r.Body.Close()
		if err != nil {
			h.fail(w, r, time.Now(), svc.ID, match.MatchedPath, gwerrors.Wrap(err, gwerrors.GatewayInternal, "reading request body"))
			return http.StatusInternalServerError, 0
		}
		bodyBytes = data
	}

	maxAttempts := 1
	if retryable {
		maxAttempts = svc.RetryPolicy.Attempts + 1
	}
	bo := newBackoff(svc)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var body io.Reader
		switch {
		case bodyBytes != nil:
			body = bytes.NewReader(bodyBytes)
		case attempt == 0:
			body = r.Body
		}

		outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, body)
		if err != nil {
			h.fail(w, r, time.Now(), svc.ID, match.MatchedPath, gwerrors.Wrap(err, gwerrors.GatewayInternal, "building upstream request"))
			return http.StatusInternalServerError, attempt
		}
		rewriteRequestHeaders(outReq, r, tenantID, traceID, requestID)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(outReq.Header))

		resp, err := h.Pool.Get(svc.ID).RoundTrip(outReq)
		if err != nil {
			lastErr = err
			if retryable && attempt < maxAttempts-1 {
				if !sleepBackoff(ctx, bo) {
					break
				}
				continue
			}
			clientStatus, code := classifyTransportError(ctx, err)
			h.fail(w, r, time.Now(), svc.ID, match.MatchedPath, gwerrors.Wrap(err, code, "upstream request failed").WithTraceID(traceID))
			return clientStatus, attempt
		}

		if retryable && attempt < maxAttempts-1 && isRetryableStatus(resp.StatusCode) {
			resp.Body.Close()
			if !sleepBackoff(ctx, bo) {
				clientStatus, code := classifyTransportError(ctx, ctx.Err())
				h.fail(w, r, time.Now(), svc.ID, match.MatchedPath, gwerrors.New(code, "upstream request failed").WithTraceID(traceID))
				return clientStatus, attempt
			}
			continue
		}

		h.streamResponse(w, resp, requestID, svc)
		return resp.StatusCode, attempt
	}

	if lastErr != nil {
		clientStatus, code := classifyTransportError(ctx, lastErr)
		h.fail(w, r, time.Now(), svc.ID, match.MatchedPath, gwerrors.Wrap(lastErr, code, "upstream request failed").WithTraceID(traceID))
		return clientStatus, maxAttempts - 1
	}
	return http.StatusInternalServerError, maxAttempts - 1
}

// rewriteRequestHeaders applies the preserve/inject/strip table to the
// outgoing request.
func rewriteRequestHeaders(outReq *http.Request, orig *http.Request, tenantID, traceID, requestID string) {
	outReq.Header = orig.Header.Clone()
	removeHopHeaders(outReq.Header)

	outReq.Header.Set("X-Request-ID", requestID)
	outReq.Header.Set("X-Gateway-Trace", traceID)
	if tenantID != "" {
		outReq.Header.Set("X-Tenant-ID", tenantID)
	}

	clientIP := orig.RemoteAddr
	if idx := strings.LastIndex(clientIP, ":"); idx != -1 {
		clientIP = clientIP[:idx]
	}
	if prior := orig.Header.Get("X-Forwarded-For"); prior != "" {
		outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if orig.TLS != nil {
		proto = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)
	outReq.Header.Set("X-Forwarded-Host", orig.Host)

	outReq.Host = orig.Host
}

// streamResponse copies resp's status, headers and body to w without
// buffering.
func (h *Handler) streamResponse(w http.ResponseWriter, resp *http.Response, requestID string, svc registry.Service) {
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Server", gatewayServerHeader)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(resp.StatusCode)

	body := resp.Body
	if idle := h.Pool.IdleReadTimeout(svc.ID); idle > 0 {
		body = newIdleTimeoutReader(resp.Body, idle)
	}

	if _, err := io.Copy(w, body); err != nil {
		// A read timeout or error after streaming has started closes the
		// connection without rewriting the response — headers are already
		// committed, so there is nothing left to send.
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

// classifyTransportError maps a RoundTrip failure to a client status and
// gateway error code.
func classifyTransportError(ctx context.Context, err error) (int, gwerrors.Code) {
	if ctx.Err() == context.DeadlineExceeded {
		return http.StatusGatewayTimeout, gwerrors.UpstreamTimeout
	}
	return http.StatusBadGateway, gwerrors.UpstreamUnavailable
}

// fail writes a gateway error envelope and records the rejected request.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, start time.Time, serviceID, route string, gerr *gwerrors.GatewayError) {
	gerr.WriteJSON(w)
	if h.Metrics != nil {
		h.Metrics.RecordRequest(serviceID+route, r.Method, gerr.Status(), time.Since(start))
	}
}

// newBackoff builds an exponential backoff with ±25% jitter, capped at the
// service's own timeout.
func newBackoff(svc registry.Service) *backoff.ExponentialBackOff {
	baseMS := svc.RetryPolicy.BaseMS
	if baseMS <= 0 {
		baseMS = 100
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(baseMS) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxInterval = svc.Timeout(30000)
	bo.MaxElapsedTime = 0 // bounded by the request's own context deadline instead
	bo.Reset()
	return bo
}

// sleepBackoff waits for the next backoff interval, returning false if ctx
// is canceled first or the backoff policy gives up.
func sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

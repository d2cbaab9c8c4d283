package luminara

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"time"
)

// Driver executes a single prepared request and returns the raw wire
// response. Implementations must honour ctx cancellation and must not
// retry, hedge, or otherwise resubmit; the client owns those policies.
type Driver interface {
	Do(ctx context.Context, req *PreparedRequest) (*RawResponse, error)
}

// TransportConfig tunes the http.Transport behind the default driver.
// Zero values fall back to the defaults below.
type TransportConfig struct {
	// MaxIdleConns caps idle connections across all hosts. Default: 100.
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle connections per host. Default: 10.
	MaxIdleConnsPerHost int

	// MaxConnsPerHost caps total connections per host. Zero is unlimited.
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	// Default: 90s.
	IdleConnTimeout time.Duration

	// DialTimeout bounds connection establishment. Default: 10s.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake. Default: 10s.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers after
	// the request is fully written. Zero is unlimited.
	ResponseHeaderTimeout time.Duration

	// DisableKeepAlives forces a fresh connection per request.
	DisableKeepAlives bool

	// DisableCompression turns off transparent gzip.
	DisableCompression bool
}

const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
	defaultDialTimeout         = 10 * time.Second
	defaultTLSTimeout          = 10 * time.Second
)

// buildTransport assembles an http.Transport from the config, filling
// unset fields with pooling defaults suited to a long-lived client.
func buildTransport(tc TransportConfig) *http.Transport {
	maxIdle := tc.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := tc.MaxIdleConnsPerHost
	if maxIdlePerHost == 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	idleTimeout := tc.IdleConnTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultIdleConnTimeout
	}
	dialTimeout := tc.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	tlsTimeout := tc.TLSHandshakeTimeout
	if tlsTimeout == 0 {
		tlsTimeout = defaultTLSTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       tc.MaxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: tc.ResponseHeaderTimeout,
		DisableKeepAlives:     tc.DisableKeepAlives,
		DisableCompression:    tc.DisableCompression,
		ForceAttemptHTTP2:     true,
	}
}

// NetDriver is the default Driver, a thin adapter over net/http. Per
// call deadlines come from the request context, so the inner
// http.Client carries no timeout of its own.
type NetDriver struct {
	client *http.Client
}

// NewNetDriver builds the default driver from a transport config.
func NewNetDriver(tc TransportConfig) *NetDriver {
	return &NetDriver{client: &http.Client{Transport: buildTransport(tc)}}
}

// Do sends the prepared request and wraps the wire response without
// reading the body; the normalizer owns body consumption.
func (d *NetDriver) Do(ctx context.Context, req *PreparedRequest) (*RawResponse, error) {
	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	var httpReq *http.Request
	var err error
	if body != nil {
		httpReq, err = http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	}
	if err != nil {
		return nil, err
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	res, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	return &RawResponse{
		Status:     res.StatusCode,
		StatusText: http.StatusText(res.StatusCode),
		Headers:    res.Header,
		Body:       res.Body,
		URL:        res.Request.URL.String(),
	}, nil
}

// CloseIdleConnections releases pooled connections.
func (d *NetDriver) CloseIdleConnections() {
	d.client.CloseIdleConnections()
}

var _ Driver = (*NetDriver)(nil)

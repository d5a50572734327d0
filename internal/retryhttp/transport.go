package retryhttp

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultConnectTimeout bounds establishing a connection to the upstream.
const DefaultConnectTimeout = 60 * time.Second

// NewTransport returns an instrumented transport whose dials give up after
// connectTimeout. Read time is bounded per attempt by Request.ReadTimeout.
func NewTransport(connectTimeout time.Duration) http.RoundTripper {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	base.TLSHandshakeTimeout = connectTimeout
	return otelhttp.NewTransport(base)
}

// NewHTTPClient wraps NewTransport in an http.Client.
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{Transport: NewTransport(connectTimeout)}
}

package reader

import (
	"net/http"

	"feedflow/config"
)

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// NewHTTPClient builds the process-wide REST client. Per-request deadlines
// come from the caller's context, so the client itself has no timeout.
func NewHTTPClient(cfg config.ReaderConfig, userAgent string) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	var rt http.RoundTripper = transport
	if userAgent != "" {
		rt = userAgentTransport{agent: userAgent, base: transport}
	}
	return &http.Client{Transport: rt}
}

package transport

import (
	"context"
	"net/http"
	"time"
)

// Probe reports whether the remote is reachable. Changes emits a value on
// every connectivity transition; consumers use it for opportunistic sync.
type Probe interface {
	CheckConnectivity(ctx context.Context) bool
	Changes() <-chan bool
}

// HTTPProbe checks connectivity by hitting the server health endpoint.
type HTTPProbe struct {
	url        string
	httpClient *http.Client
	changes    chan bool
}

// NewHTTPProbe builds a probe against baseURL's /healthz.
func NewHTTPProbe(baseURL string, httpClient *http.Client) *HTTPProbe {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProbe{
		url:        baseURL + "/healthz",
		httpClient: httpClient,
		changes:    make(chan bool, 1),
	}
}

func (p *HTTPProbe) CheckConnectivity(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (p *HTTPProbe) Changes() <-chan bool { return p.changes }

// Watch polls connectivity every interval and emits transitions on
// Changes until ctx is done.
func (p *HTTPProbe) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := p.CheckConnectivity(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := p.CheckConnectivity(ctx)
			if online != last {
				last = online
				select {
				case p.changes <- online:
				default:
				}
			}
		}
	}
}

// Package httpclient provides the HTTP transport used for JSON-RPC endpoints.
package httpclient

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/chainpulse/errors"
)

// DefaultMaxRedirects bounds redirects followed by RPC requests
const DefaultMaxRedirects = 3

// EndpointSchemes are the URL schemes accepted for RPC endpoints
var EndpointSchemes = []string{"http", "https", "ws", "wss"}

// RPCClient wraps http.Client with a bounded timeout and a redirect policy
// that keeps JSON-RPC traffic on http(s) and never forwards credentials.
type RPCClient struct {
	*http.Client
	maxRedirects int
}

// NewRPCClient creates the HTTP client for RPC endpoints
func NewRPCClient(timeout time.Duration) *RPCClient {
	client := &RPCClient{
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		maxRedirects: DefaultMaxRedirects,
	}
	client.CheckRedirect = client.checkRedirect
	return client
}

func (c *RPCClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= c.maxRedirects {
		return errors.Newf("stopped after %d redirects", c.maxRedirects)
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("redirect blocked: scheme %q not allowed", scheme)
	}
	if req.URL.User != nil {
		return errors.New("redirect blocked: URL carries credentials")
	}
	return nil
}

// ValidateEndpoint checks that raw is a usable RPC endpoint URL.
func ValidateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range EndpointSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", u.Scheme, EndpointSchemes)
	}
	if u.Hostname() == "" {
		return errors.New("URL missing hostname")
	}
	return nil
}

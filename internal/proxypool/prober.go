package proxypool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	xproxy "golang.org/x/net/proxy"
)

const defaultProbeTimeout = 10 * time.Second

// Prober checks whether one endpoint can reach the probe target.
type Prober interface {
	Probe(ctx context.Context, endpoint domain.ProxyEndpoint) error
}

// HTTPProber probes plain/TLS proxies with an HTTP request through the
// endpoint and SOCKS proxies with a dialed connection. A timeout or transport
// error is a normal probe outcome and is returned as-is, never escalated.
type HTTPProber struct {
	target  string
	timeout time.Duration
}

func NewHTTPProber(target string, timeout time.Duration) (*HTTPProber, error) {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		return nil, fmt.Errorf("probe target is required")
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	return &HTTPProber{target: trimmed, timeout: timeout}, nil
}

func (p *HTTPProber) Probe(ctx context.Context, endpoint domain.ProxyEndpoint) error {
	if p == nil {
		return fmt.Errorf("prober is not initialized")
	}
	if err := endpoint.Validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	switch endpoint.Transport {
	case domain.TransportSOCKS5:
		return p.probeSOCKS5(probeCtx, endpoint)
	case domain.TransportSOCKS4:
		// x/net/proxy has no SOCKS4 dialer; a raw TCP reachability check is
		// the best signal available without a handshake implementation.
		return p.probeTCP(probeCtx, endpoint)
	default:
		return p.probeHTTP(probeCtx, endpoint)
	}
}

func (p *HTTPProber) probeHTTP(ctx context.Context, endpoint domain.ProxyEndpoint) error {
	client := resty.New()
	client.SetTimeout(p.timeout)
	client.SetRetryCount(0)
	client.SetProxy(endpoint.URL().String())

	response, err := client.R().SetContext(ctx).Get(p.target)
	if err != nil {
		return fmt.Errorf("probe request through %s failed: %w", endpoint.Addr(), err)
	}
	if code := response.StatusCode(); code >= http.StatusInternalServerError {
		return fmt.Errorf("probe target returned status %d through %s", code, endpoint.Addr())
	}
	return nil
}

func (p *HTTPProber) probeSOCKS5(ctx context.Context, endpoint domain.ProxyEndpoint) error {
	var auth *xproxy.Auth
	if endpoint.Username != "" {
		auth = &xproxy.Auth{User: endpoint.Username, Password: endpoint.Password}
	}

	dialer, err := xproxy.SOCKS5("tcp", endpoint.Addr(), auth, &net.Dialer{Timeout: p.timeout})
	if err != nil {
		return fmt.Errorf("socks5 dialer for %s: %w", endpoint.Addr(), err)
	}

	targetAddr, err := probeDialAddr(p.target)
	if err != nil {
		return err
	}

	contextDialer, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		return fmt.Errorf("socks5 dialer does not support context dialing")
	}
	conn, err := contextDialer.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		return fmt.Errorf("socks5 probe through %s failed: %w", endpoint.Addr(), err)
	}
	return conn.Close()
}

func (p *HTTPProber) probeTCP(ctx context.Context, endpoint domain.ProxyEndpoint) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		return fmt.Errorf("tcp probe of %s failed: %w", endpoint.Addr(), err)
	}
	return conn.Close()
}

// probeDialAddr reduces the probe URL to a host:port dial target.
func probeDialAddr(target string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(target, "https://"), "http://")
	if slash := strings.IndexByte(trimmed, '/'); slash >= 0 {
		trimmed = trimmed[:slash]
	}
	if trimmed == "" {
		return "", fmt.Errorf("invalid probe target %q", target)
	}
	if _, _, err := net.SplitHostPort(trimmed); err == nil {
		return trimmed, nil
	}
	if strings.HasPrefix(target, "http://") {
		return net.JoinHostPort(trimmed, "80"), nil
	}
	return net.JoinHostPort(trimmed, "443"), nil
}

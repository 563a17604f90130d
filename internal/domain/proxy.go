package domain

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyTransport is the wire protocol spoken to a proxy endpoint.
type ProxyTransport string

const (
	TransportPlain  ProxyTransport = "PLAIN"
	TransportTLS    ProxyTransport = "TLS"
	TransportSOCKS4 ProxyTransport = "SOCKS4"
	TransportSOCKS5 ProxyTransport = "SOCKS5"
)

func (t ProxyTransport) String() string { return string(t) }

func (t ProxyTransport) IsValid() bool {
	switch t {
	case TransportPlain, TransportTLS, TransportSOCKS4, TransportSOCKS5:
		return true
	}
	return false
}

func ParseProxyTransportFromString(s string) (ProxyTransport, error) {
	t := ProxyTransport(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid proxy transport %q", ErrValidation, s)
	}
	return t, nil
}

// ProxyHealth is the observed state of one endpoint.
type ProxyHealth string

const (
	ProxyUntested ProxyHealth = "UNTESTED"
	ProxyWorking  ProxyHealth = "WORKING"
	ProxyFailed   ProxyHealth = "FAILED"
)

func (h ProxyHealth) String() string { return string(h) }

// ProxyEndpoint is one network intermediary used for outbound gateway calls.
// FailCount resets to zero on any success; an endpoint whose FailCount
// reaches the pool's configured maximum is dropped from selection.
type ProxyEndpoint struct {
	ID           string
	Transport    ProxyTransport
	Host         string
	Port         int
	Username     string
	Password     string
	Health       ProxyHealth
	FailCount    int
	SuccessCount int
	LastTestedAt *time.Time
	Enabled      bool
}

func (p *ProxyEndpoint) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("%w: proxy host is required", ErrValidation)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: proxy port %d out of range", ErrValidation, p.Port)
	}
	if !p.Transport.IsValid() {
		return fmt.Errorf("%w: invalid proxy transport %q", ErrValidation, p.Transport)
	}
	return nil
}

// Addr returns host:port for raw dialing.
func (p *ProxyEndpoint) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL renders the endpoint as a proxy URL usable by HTTP clients.
func (p *ProxyEndpoint) URL() *url.URL {
	scheme := "http"
	switch p.Transport {
	case TransportTLS:
		scheme = "https"
	case TransportSOCKS4:
		scheme = "socks4"
	case TransportSOCKS5:
		scheme = "socks5"
	}

	u := &url.URL{Scheme: scheme, Host: p.Addr()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

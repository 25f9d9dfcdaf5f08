// Package netparams builds the outbound *http.Client used to reach
// Google's BotGuard endpoints, honoring the per-request proxy,
// source-address, and TLS-verification knobs of spec.md §6. Adapted from
// the teacher's pkg/client/client.go.
package netparams

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ytget/potbroker/internal/logger"
)

const (
	defaultTimeout = 30 * time.Second

	userAgentValue = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Params carries the per-request network identity that Module A also
// derives a Minter Key from. Zero values mean "use the default".
type Params struct {
	Proxy                  string
	SourceAddress          string
	DisableTLSVerification bool
	Timeout                time.Duration
}

// baseTransport is a tuned http.Transport reused (via Clone) across clients,
// same shape as the teacher's defaultTransport.
var baseTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 10 * time.Second,
	ForceAttemptHTTP2:     true,
}

// NewClient builds an *http.Client configured per Params. SOCKS5/SOCKS5h
// proxies are handled via golang.org/x/net/proxy since http.ProxyURL alone
// only understands http/https CONNECT proxying.
func NewClient(p Params) (*http.Client, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	tr := baseTransport.Clone()

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	if p.SourceAddress != "" {
		localAddr, err := localAddrFor(p.SourceAddress)
		if err != nil {
			return nil, fmt.Errorf("netparams: invalid source_address %q: %w", p.SourceAddress, err)
		}
		dialer.LocalAddr = localAddr
	}
	tr.DialContext = dialer.DialContext

	if p.Proxy != "" {
		proxyDialContext, proxyFunc, err := proxyDialer(p.Proxy, dialer)
		if err != nil {
			return nil, fmt.Errorf("netparams: invalid proxy %q: %w", p.Proxy, err)
		}
		if proxyDialContext != nil {
			tr.DialContext = proxyDialContext
		} else {
			tr.Proxy = proxyFunc
		}
	}

	if p.DisableTLSVerification {
		logger.WithComponent(logger.ComponentHTTP).Warn("TLS certificate verification disabled for outbound request")
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
	}, nil
}

// localAddrFor builds a net.Addr that binds outbound connections to a
// literal IPv4 or IPv6 source address.
func localAddrFor(addr string) (net.Addr, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("not a literal IP address")
	}
	return &net.TCPAddr{IP: ip}, nil
}

// proxyDialer returns either a DialContext func (for socks5/socks5h) or a
// Proxy func (for http/https), depending on the proxy URL's scheme.
func proxyDialer(raw string, baseDialer *net.Dialer) (func(ctx context.Context, network, addr string) (net.Conn, error), func(*http.Request) (*url.URL, error), error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, err
	}

	switch u.Scheme {
	case "http", "https":
		return nil, http.ProxyURL(u), nil
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		d, err := proxy.SOCKS5("tcp", u.Host, auth, baseDialer)
		if err != nil {
			return nil, nil, err
		}
		contextDialer, ok := d.(proxy.ContextDialer)
		if !ok {
			return func(ctx context.Context, network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}, nil, nil
		}
		return contextDialer.DialContext, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// UserAgent is the desktop-like User-Agent string applied to outbound
// requests, same value the teacher's pkg/client used.
const UserAgent = userAgentValue

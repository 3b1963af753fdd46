// Package torhttp provides a http.Transport for making HTTP requests through
// the SOCKS5 port of a Tor daemon, for onion and regular URLs.
package torhttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultSocksAddress is where a system Tor listens for SOCKS connections.
const DefaultSocksAddress = "127.0.0.1:9050"

// ErrOnionWithoutTor is returned for requests to onion addresses through a
// transport without SOCKS address.
var ErrOnionWithoutTor = errors.New("onion address requires a tor socks address")

// NewTransport returns a transport making its connections through the SOCKS5
// server at socksAddress. An empty socksAddress makes direct connections, and
// refuses onion addresses.
func NewTransport(socksAddress string) *http.Transport {
	dial, err := dialer(socksAddress)
	if err != nil {
		dial = func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, err
		}
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			host, _, _ := net.SplitHostPort(address)
			if socksAddress == "" && strings.HasSuffix(host, ".onion") {
				return nil, ErrOnionWithoutTor
			}
			return dial(ctx, network, address)
		},
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 30 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        10,
	}
}

func dialer(socksAddress string) (func(ctx context.Context, network, address string) (net.Conn, error), error) {
	d := &net.Dialer{Timeout: 30 * time.Second}
	if socksAddress == "" {
		return d.DialContext, nil
	}
	// Hostnames are resolved by Tor, never locally.
	sd, err := proxy.SOCKS5("tcp", socksAddress, nil, d)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	return sd.(proxy.ContextDialer).DialContext, nil
}

// NewClient returns a client that makes all requests through Tor at
// socksAddress, or directly if socksAddress is empty.
func NewClient(socksAddress string, timeout time.Duration) *http.Client {
	return &http.Client{Transport: NewTransport(socksAddress), Timeout: timeout}
}

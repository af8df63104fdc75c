// Package proxy builds HTTP clients that tunnel through a local SOCKS5
// endpoint. The advisor uses one when the config names a proxy.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// NewSocksClient returns an http.Client dialing through the SOCKS5
// endpoint at addr. The client timeout is a backstop; callers bound
// individual requests with their own contexts.
func NewSocksClient(addr string) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 %s: %w", addr, err)
	}

	dialCtx := func(ctx context.Context, network, target string) (net.Conn, error) {
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, target)
		}
		return dialer.Dial(network, target)
	}

	return &http.Client{
		Transport: &http.Transport{DialContext: dialCtx},
		Timeout:   120 * time.Second,
	}, nil
}

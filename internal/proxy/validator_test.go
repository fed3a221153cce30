package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startConnectProxy runs a minimal HTTP CONNECT proxy that answers with status
// and, on 200, pipes the tunnel to the requested address.
func startConnectProxy(t *testing.T, status int) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleConnect(conn, status)
		}
	}()
	return "http://" + ln.Addr().String()
}

func handleConnect(conn net.Conn, status int) {
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil || req.Method != http.MethodConnect {
		return
	}
	if status != http.StatusOK {
		_, _ = io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")
		return
	}

	upstream, err := net.Dial("tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer upstream.Close()

	_, _ = io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n")
	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(upstream, conn); done <- struct{}{} }()
	go func() { _, _ = io.Copy(conn, upstream); done <- struct{}{} }()
	<-done
}

func TestValidator_ConnectTunnelHandshake(t *testing.T) {
	target := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer target.Close()

	proxyURL := startConnectProxy(t, http.StatusOK)
	v := NewValidator(
		WithTarget(target.Listener.Addr().String()),
		WithProbeTimeout(5*time.Second),
		WithInsecureSkipVerify(),
	)

	latency, err := v.Probe(context.Background(), Config{URL: proxyURL})
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
}

func TestValidator_ConnectRejected(t *testing.T) {
	proxyURL := startConnectProxy(t, http.StatusProxyAuthRequired)
	v := NewValidator(WithTarget("127.0.0.1:443"), WithProbeTimeout(2*time.Second))

	_, err := v.Probe(context.Background(), Config{URL: proxyURL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "407")
}

func TestValidator_UnreachableProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	v := NewValidator(WithProbeTimeout(time.Second))
	for _, scheme := range []string{"http", "socks5"} {
		t.Run(scheme, func(t *testing.T) {
			_, err := v.Probe(context.Background(), Config{URL: scheme + "://" + addr})
			assert.Error(t, err)
		})
	}
}

func TestProbeAllKeepsOrder(t *testing.T) {
	prober := &fakeProber{results: map[string]error{p2: assert.AnError}}
	configs := []Config{{URL: p1}, {URL: p2}, {URL: p3}}

	results := ProbeAll(fetch.WithQuiet(context.Background()), prober, configs, 2)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, configs[i].URL, r.Config.URL)
	}
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, assert.AnError)
	assert.NoError(t, results[2].Err)
}

package adapter

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/net/http2"
)

// sharedTransport is built before httpClient, which captures it at
// package initialization.
var sharedTransport = newValidationTransport()

// newValidationTransport builds the HTTP transport shared by every
// adapter. Checks against many distinct endpoints benefit from pooled
// connections, but each check is a single request, so the pool is kept
// small.
func newValidationTransport() *http.Transport {
	transport := cleanhttp.DefaultPooledTransport()

	transport.MaxIdleConns = 50
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 60 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	transport.ForceAttemptHTTP2 = true

	if err := http2.ConfigureTransport(transport); err != nil {
		log.Printf("Failed to configure HTTP/2 for validation transport: %v", err)
	}

	return transport
}

// httpClient is shared across adapters. Per-check deadlines ride on the
// request context, not on the client, so no Timeout is set here.
var httpClient = &http.Client{
	Transport: sharedTransport,
	// Liveness checks talk to fixed API endpoints; a redirect means the
	// endpoint is misconfigured, not alive.
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// ShutdownTransport closes pooled connections during process shutdown.
func ShutdownTransport() {
	sharedTransport.CloseIdleConnections()
}

// joinURL appends a path to a base endpoint, tolerating trailing
// slashes, and validates the scheme.
func joinURL(endpoint, path string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("endpoint %q must use http or https", endpoint)
	}
	return parsed.String() + path, nil
}

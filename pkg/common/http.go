package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version is the build version embedded from the VERSION file.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is sent on every outbound vendor request.
func UserAgent() string {
	return "Sunledger/" + Version()
}

type vendorTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip sets the User-Agent and a default Accept header before handing the
// request to the wrapped transport.
func (t *vendorTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so retried requests never see our mutations
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns an http client for talking to monitoring vendors.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &vendorTransport{
			transport: http.DefaultTransport,
			userAgent: UserAgent(),
		},
		Timeout: timeout,
	}
}

// Package httputil provides shared HTTP client construction for CollabKit.
// It centralizes timeout defaults so the agent invoker and the client SDK
// use consistent configuration.
package httputil

import (
	"net/http"
	"time"
)

// Standard timeout defaults used across the project.
const (
	// DefaultAgentTimeout caps a single agent dispatch round trip. The
	// delegation deadline is normally shorter and wins.
	DefaultAgentTimeout = 60 * time.Second

	// DefaultPollTimeout is used by the client SDK for ledger polls.
	DefaultPollTimeout = 10 * time.Second
)

// NewHTTPClient returns an *http.Client configured with the given timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// NewHTTPClientWithTransport returns an *http.Client that uses rt for transport.
func NewHTTPClientWithTransport(timeout time.Duration, rt http.RoundTripper) *http.Client {
	return &http.Client{Timeout: timeout, Transport: rt}
}

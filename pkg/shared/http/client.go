// Package http builds *http.Client instances from a small config struct,
// the one factory every outbound HTTP-speaking component shares.
package http

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig controls transport-level behavior of a constructed client.
type ClientConfig struct {
	Timeout                 time.Duration
	MaxRetries              int
	DisableSSLVerification  bool
	MaxIdleConns            int
	IdleConnTimeout         time.Duration
	TLSHandshakeTimeout     time.Duration
	ResponseHeaderTimeout   time.Duration
}

// DefaultClientConfig is a conservative, general-purpose preset.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:                30 * time.Second,
		MaxRetries:             3,
		DisableSSLVerification: false,
		MaxIdleConns:           10,
		IdleConnTimeout:        90 * time.Second,
		TLSHandshakeTimeout:    10 * time.Second,
		ResponseHeaderTimeout:  10 * time.Second,
	}
}

// NewClient builds an *http.Client from config.
func NewClient(config ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
	}
	if config.DisableSSLVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout builds a client with DefaultClientConfig except for
// the given timeout.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	config := DefaultClientConfig()
	config.Timeout = timeout
	return NewClient(config)
}

// NewDefaultClient builds a client from DefaultClientConfig.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}

// GitHubClientConfig presets the Upstream API Client's transport: the same
// timeout/retry posture as the default, with a longer response-header
// timeout tuned to the GitHub REST API's typical latency.
func GitHubClientConfig() ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = 30 * time.Second
	config.MaxRetries = 3
	config.ResponseHeaderTimeout = 15 * time.Second
	return config
}

// KubernetesClientConfig presets a client tuned for in-cluster API-server
// calls: shorter overall timeout, fewer retries (the cluster API is local).
func KubernetesClientConfig() ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = 15 * time.Second
	config.MaxRetries = 2
	return config
}

package httputil

import (
	"net/http"
	"time"
)

// NewClient creates an HTTP client with the given timeout and transport
// settings tuned for repeated calls to the same host. All outbound gateway
// traffic goes through clients built here, so every call carries a bounded
// timeout; a timeout surfaces as a transport failure with no remote side
// effects assumed.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

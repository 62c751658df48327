// Package httpclient holds the shared HTTP client constructors. All remote
// traffic (vault fetches, catalog refresh) goes through clients built here so
// timeouts and transport setup stay in one place.
package httpclient

import (
	"log"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Default returns a client with timeouts so a dead origin can't hang the
// download worker forever. Certificate verification uses the system bundle;
// there is no pinning on this device.
func Default() *http.Client {
	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: newTransport(),
	}
}

// ForTransfer returns a client with no overall timeout (a multi-megabyte
// asset on a slow link can legitimately take minutes) but with a response
// header timeout so an unresponsive origin still fails fast.
func ForTransfer() *http.Client {
	return &http.Client{Transport: newTransport()}
}

// WithTimeout returns a Default-shaped client with a custom overall timeout.
func WithTimeout(d time.Duration) *http.Client {
	c := Default()
	c.Timeout = d
	return c
}

func newTransport() *http.Transport {
	t := &http.Transport{
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		MaxIdleConnsPerHost:   2,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		log.Printf("httpclient: http2 setup: %v", err)
	}
	return t
}

package client

import "sync"

var (
	defaultMu     sync.RWMutex
	defaultClient *Client
)

// Default returns the application-wide client, creating one with default
// settings on first use. Call sites share its proxy and retry configuration.
func Default() *Client {
	defaultMu.RLock()
	c := defaultClient
	defaultMu.RUnlock()
	if c != nil {
		return c
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		defaultClient = New(Config{FallbackEnabled: true})
	}
	return defaultClient
}

// SetDefault replaces the application-wide client
func SetDefault(c *Client) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultClient = c
}

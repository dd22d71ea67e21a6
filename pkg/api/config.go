package api

import "time"

// ServerConfig configures the REST API HTTP server.
type ServerConfig struct {
	// Addr is the host:port listen address.
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body. Zero means no timeout.
	// Default: 30s (uploads stream through request bodies)
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Zero means no timeout.
	// Default: 30s
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 60s
	IdleTimeout time.Duration
}

// applyDefaults fills in zero values with sensible defaults.
func (c *ServerConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8334"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

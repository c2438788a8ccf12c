package natsclient

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/c360/cepbridge/metric"
)

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithName sets the connection name reported to the server. It also labels
// the client's metrics and log lines.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithLogger sets the structured logger. A nil logger keeps slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithTimeout bounds the initial dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.timeout = d
		}
		return nil
	}
}

// WithMaxReconnects caps reconnection attempts after the connection is lost;
// -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.reconnectWait = d
		}
		return nil
	}
}

// WithTLSConfig authenticates the connection with cfg, which must carry the
// client certificate. No username, password or token is ever sent.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) error {
		c.tlsConfig = cfg
		return nil
	}
}

// WithCircuitBreakerThreshold sets how many consecutive failures open the
// circuit. Values below one fall back to 5.
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker backoff. Values under a second fall
// back to one minute.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// WithMetrics records connection state and JetStream activity in registry.
// Series are labelled with the client name, so each client sharing a
// registry needs a distinct name.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		c.registry = registry
		return nil
	}
}

// WithMetricsInterval sets how often queue and exchange stream state is
// polled. Zero disables polling.
func WithMetricsInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.metricsInterval = d
		return nil
	}
}

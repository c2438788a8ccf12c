package bridge

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"

	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/metric"
	"github.com/c360/cepbridge/natsclient"
	"github.com/c360/cepbridge/pkg/tlsutil"
)

// Role names the purpose of a broker connection.
type Role string

// Connection roles
const (
	RoleConsumer  Role = "consumer"
	RolePublisher Role = "publisher"
)

// Dialer creates an unconnected broker connection for role.
type Dialer func(ctx context.Context, role Role) (natsclient.Conn, error)

// NATSDialer returns a Dialer for the configured broker. Every connection
// authenticates with the configured client certificate only. Connection
// metrics are registered for the first connection of each role; later
// publisher connections in per-alert mode go unmetered.
func NATSDialer(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) Dialer {
	var (
		mu      sync.Mutex
		metered = make(map[Role]bool)
		tlsCfg  *tls.Config
		loaded  bool
	)

	return func(_ context.Context, role Role) (natsclient.Conn, error) {
		mu.Lock()
		defer mu.Unlock()

		// Key material is read once; a failed read is retried on the next dial.
		if !loaded {
			var serverName string
			if len(cfg.Broker.URLs) > 0 {
				serverName = tlsutil.ServerNameFromURL(cfg.Broker.URLs[0])
			}
			c, err := tlsutil.LoadMutualTLS(cfg.Broker.TLS, serverName)
			if err != nil {
				return nil, err
			}
			tlsCfg, loaded = c, true
		}

		opts := []natsclient.ClientOption{
			natsclient.WithName(cfg.Broker.Name + "-" + string(role)),
			natsclient.WithLogger(logger.With("role", string(role))),
			natsclient.WithTimeout(cfg.Broker.ConnectTimeout.Std()),
			natsclient.WithMaxReconnects(cfg.Broker.MaxReconnects),
			natsclient.WithReconnectWait(cfg.Broker.ReconnectWait.Std()),
			natsclient.WithTLSConfig(tlsCfg),
		}
		if registry != nil && !metered[role] {
			metered[role] = true
			opts = append(opts, natsclient.WithMetrics(registry))
		}

		return natsclient.NewClient(cfg.Broker.URL(), opts...)
	}
}

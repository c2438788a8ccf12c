package natsclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient provides a testcontainers-based NATS server with JetStream and a
// connected Client.
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
	cleanup   func()
}

type testConfig struct {
	kvBuckets    []string
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
	clientOpts   []ClientOption

	// server TLS material, PEM encoded
	caPEM   []byte
	certPEM []byte
	keyPEM  []byte
}

// TestOption for configuring test client
type TestOption func(*testConfig)

// WithKVBuckets pre-creates specific KV buckets
func WithKVBuckets(buckets ...string) TestOption {
	return func(cfg *testConfig) {
		cfg.kvBuckets = append(cfg.kvBuckets, buckets...)
	}
}

// WithNATSVersion specifies a specific NATS server version to use
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) {
		cfg.natsVersion = version
	}
}

// WithTestTimeout sets the connection timeout for test client
func WithTestTimeout(timeout time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.timeout = timeout
	}
}

// WithStartTimeout sets the container startup timeout
func WithStartTimeout(timeout time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.startTimeout = timeout
	}
}

// WithClientOptions passes extra options to the connected Client, typically
// the TLS configuration matching WithServerTLS.
func WithClientOptions(opts ...ClientOption) TestOption {
	return func(cfg *testConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// WithServerTLS starts the server with TLS on the client port and requires a
// client certificate signed by caPEM.
func WithServerTLS(caPEM, certPEM, keyPEM []byte) TestOption {
	return func(cfg *testConfig) {
		cfg.caPEM = caPEM
		cfg.certPEM = certPEM
		cfg.keyPEM = keyPEM
	}
}

func defaultTestConfig(opts []TestOption) *testConfig {
	cfg := &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

const serverTLSConfig = `
tls {
  cert_file: "/etc/nats/certs/server.pem"
  key_file: "/etc/nats/certs/server-key.pem"
  ca_file: "/etc/nats/certs/ca.pem"
  verify: true
  timeout: 5
}
`

// serverFiles writes the TLS material to a temp dir and returns the
// container mounts.
func (cfg *testConfig) serverFiles() ([]testcontainers.ContainerFile, func(), error) {
	if cfg.certPEM == nil {
		return nil, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "nats-tls-*")
	if err != nil {
		return nil, func() {}, err
	}
	remove := func() { _ = os.RemoveAll(dir) }

	contents := map[string][]byte{
		"nats.conf":      []byte(serverTLSConfig),
		"ca.pem":         cfg.caPEM,
		"server.pem":     cfg.certPEM,
		"server-key.pem": cfg.keyPEM,
	}
	var files []testcontainers.ContainerFile
	for name, data := range contents {
		host := filepath.Join(dir, name)
		if err := os.WriteFile(host, data, 0o644); err != nil {
			remove()
			return nil, func() {}, err
		}
		files = append(files, testcontainers.ContainerFile{
			HostFilePath:      host,
			ContainerFilePath: "/etc/nats/certs/" + name,
			FileMode:          0o644,
		})
	}
	return files, remove, nil
}

func startTestClient(cfg *testConfig) (*TestClient, error) {
	ctx := context.Background()

	args := []string{"--port", "4222", "--http_port", "8222", "--js"}
	files, removeFiles, err := cfg.serverFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to write TLS files: %w", err)
	}
	defer removeFiles()
	scheme := "nats"
	if files != nil {
		args = append([]string{"--config", "/etc/nats/certs/nats.conf"}, args...)
		scheme = "tls"
	}

	req := testcontainers.ContainerRequest{
		Image:        "nats:" + cfg.natsVersion,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          args,
		Files:        files,
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}
	url := fmt.Sprintf("%s://%s:%s", scheme, host, port.Port())

	opts := append([]ClientOption{
		WithTimeout(cfg.timeout),
		WithMaxReconnects(0),
		WithName("test-" + port.Port()),
	}, cfg.clientOpts...)
	client, err := NewClient(url, opts...)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	tc := &TestClient{
		container: container,
		Client:    client,
		URL:       url,
		cleanup: func() {
			_ = client.Close(context.Background())
			_ = container.Terminate(context.Background())
		},
	}

	for _, bucket := range cfg.kvBuckets {
		if _, err := tc.CreateKVBucket(ctx, bucket); err != nil {
			tc.cleanup()
			return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
		}
	}
	return tc, nil
}

// NewSharedTestClient creates a NATS test container for use in TestMain.
func NewSharedTestClient(opts ...TestOption) (*TestClient, error) {
	return startTestClient(defaultTestConfig(opts))
}

// NewTestClient creates a NATS test container cleaned up with the test.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	tc, err := startTestClient(defaultTestConfig(opts))
	if err != nil {
		t.Fatalf("NATS test container: %v", err)
	}
	t.Cleanup(tc.cleanup)
	return tc
}

// NewPeer connects an additional client to the same server.
func (tc *TestClient) NewPeer(ctx context.Context, opts ...ClientOption) (*Client, error) {
	client, err := NewClient(tc.URL, append([]ClientOption{WithMaxReconnects(0)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Terminate manually terminates the container and client (usually handled by t.Cleanup)
func (tc *TestClient) Terminate() error {
	if tc.cleanup != nil {
		tc.cleanup()
		tc.cleanup = nil
	}
	return nil
}

// IsReady checks if the NATS connection is ready for use
func (tc *TestClient) IsReady() bool {
	return tc.Client.IsHealthy()
}

// CreateKVBucket is a helper for creating KV buckets during tests
func (tc *TestClient) CreateKVBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	return tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: name})
}

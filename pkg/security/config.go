// Package security provides the TLS configuration types shared by the bridge
// daemon and the operator CLI.
package security

// ClientTLSConfig describes a mutually authenticated client connection to the
// broker. The trust store is a single CA file; the client identity is either a
// PKCS#12 keystore or a PEM certificate and key pair.
type ClientTLSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	CAFile  string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`

	// PKCS#12 identity. Takes precedence over CertFile/KeyFile when set.
	KeystoreFile     string `json:"keystore_file,omitempty" yaml:"keystore_file,omitempty"`
	KeystorePassword string `json:"keystore_password,omitempty" yaml:"keystore_password,omitempty"`

	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`

	// ServerName is checked against the broker certificate. Defaults to the
	// host of the first broker URL.
	ServerName string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"

	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
}

// HasIdentity reports whether a client certificate source is configured.
func (c ClientTLSConfig) HasIdentity() bool {
	return c.KeystoreFile != "" || (c.CertFile != "" && c.KeyFile != "")
}

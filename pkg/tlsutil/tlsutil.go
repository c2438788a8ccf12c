// Package tlsutil builds TLS configurations for mutually authenticated broker
// connections.
package tlsutil

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"

	"golang.org/x/crypto/pkcs12"

	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/pkg/security"
)

// LoadMutualTLS creates a client tls.Config that trusts only the configured CA
// and presents the configured client identity. When cfg.ServerName is empty,
// serverName is used for hostname verification.
func LoadMutualTLS(cfg security.ClientTLSConfig, serverName string) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
		ServerName: cfg.ServerName,
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = serverName
	}

	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	switch {
	case cfg.KeystoreFile != "":
		cert, err := LoadKeystore(cfg.KeystoreFile, cfg.KeystorePassword)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadMutualTLS", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	// Note: Setting this is intentional via config - operators know the security implications
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	return tlsConfig, nil
}

// LoadKeystore reads a PKCS#12 keystore holding a single certificate and its
// private key.
func LoadKeystore(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, errors.WrapFatal(err, "tlsutil", "LoadKeystore",
			fmt.Sprintf("read keystore %s", path))
	}

	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, errors.WrapFatal(err, "tlsutil", "LoadKeystore",
			fmt.Sprintf("decode keystore %s", path))
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return tls.Certificate{}, errors.WrapFatal(
			fmt.Errorf("unsupported private key type %T", key),
			"tlsutil", "LoadKeystore", "extract private key")
	}

	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  signer,
		Leaf:        cert,
	}, nil
}

// ServerNameFromURL returns the host part of a broker URL such as
// tls://broker.example.com:4222.
func ServerNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(u.Host)
	if err != nil {
		return u.Host
	}
	return host
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "loadCAPool", fmt.Sprintf("read CA file %s", caFile))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.WrapFatal(
			fmt.Errorf("invalid PEM data"),
			"tlsutil",
			"loadCAPool",
			fmt.Sprintf("parse CA certificate from %s", caFile),
		)
	}
	return pool, nil
}

// parseTLSVersion converts version string to crypto/tls constant
// Returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

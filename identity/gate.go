// Package identity binds the sensor id claimed inside a reading to a
// provisioned certificate.
//
// The check is independent of transport-level mutual TLS: the broker already
// trusts the producer connection, and the gate additionally refuses readings
// whose claimed sensor has no registered identity or whose stored certificate
// was issued to a different sensor.
package identity

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/metric"
)

// Reason explains a rejected reading.
type Reason int

// Rejection reasons
const (
	ReasonNone Reason = iota
	ReasonNotRegistered
	ReasonCertificateMismatch
	ReasonVerificationError
)

// String returns the metric label form of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNotRegistered:
		return "not_registered"
	case ReasonCertificateMismatch:
		return "certificate_mismatch"
	case ReasonVerificationError:
		return "verification_error"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one authentication.
type Decision struct {
	Accepted bool
	Reason   Reason
	// Err carries the underlying failure for ReasonVerificationError.
	Err error
}

// AsError returns nil for accepted readings and an ErrAuthRejected error
// otherwise.
func (d Decision) AsError() error {
	if d.Accepted {
		return nil
	}
	cause := fmt.Errorf("%s", d.Reason)
	if d.Err != nil {
		cause = fmt.Errorf("%s: %w", d.Reason, d.Err)
	}
	return errors.Kind(errors.ErrAuthRejected, cause)
}

// BindingMode selects how the certificate subject is compared with the
// claimed sensor id.
type BindingMode string

// Binding modes
const (
	// BindingSubstring accepts any subject DN containing "CN=<id>". Ids that
	// prefix one another collide: a certificate for s12 also satisfies s1.
	BindingSubstring BindingMode = config.BindingSubstring
	// BindingStrict requires the subject common name to equal the id.
	BindingStrict BindingMode = config.BindingStrict
)

// Gate authenticates readings against an identity store.
type Gate struct {
	store   Store
	mode    BindingMode
	logger  *slog.Logger
	metrics *metric.Metrics
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithBindingMode selects the subject comparison. Unknown modes fall back to
// BindingSubstring.
func WithBindingMode(mode BindingMode) GateOption {
	return func(g *Gate) {
		if mode == BindingStrict {
			g.mode = BindingStrict
			return
		}
		g.mode = BindingSubstring
	}
}

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records decisions and lookup latency.
func WithMetrics(m *metric.Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate creates a gate over store.
func NewGate(store Store, opts ...GateOption) *Gate {
	g := &Gate{
		store:  store,
		mode:   BindingSubstring,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "identity")
	return g
}

// Mode returns the configured binding mode.
func (g *Gate) Mode() BindingMode {
	return g.mode
}

// Authenticate runs the registration check and then the certificate binding
// check for sensorID. The certificate is only loaded for registered sensors.
func (g *Gate) Authenticate(ctx context.Context, sensorID string) Decision {
	start := time.Now()
	d := g.authenticate(ctx, sensorID)
	if g.metrics != nil {
		g.metrics.RecordGateDuration(time.Since(start))
		if !d.Accepted {
			g.metrics.RecordRejected(d.Reason.String())
		}
	}
	if !d.Accepted {
		attrs := []any{"sensor_id", sensorID, "reason", d.Reason.String()}
		if d.Err != nil {
			attrs = append(attrs, "error", d.Err)
		}
		g.logger.Warn("Reading rejected", attrs...)
	}
	return d
}

func (g *Gate) authenticate(ctx context.Context, sensorID string) Decision {
	registered, err := g.store.Exists(ctx, sensorID)
	if err != nil {
		return Decision{Reason: ReasonVerificationError, Err: err}
	}
	if !registered {
		return Decision{Reason: ReasonNotRegistered}
	}

	pemData, err := g.store.Certificate(ctx, sensorID)
	if err != nil {
		return Decision{Reason: ReasonVerificationError, Err: err}
	}
	cert, err := ParseCertificate(pemData)
	if err != nil {
		return Decision{Reason: ReasonVerificationError, Err: err}
	}
	if !g.bound(cert, sensorID) {
		return Decision{Reason: ReasonCertificateMismatch}
	}
	return Decision{Accepted: true}
}

func (g *Gate) bound(cert *x509.Certificate, sensorID string) bool {
	if g.mode == BindingStrict {
		return cert.Subject.CommonName == sensorID
	}
	return strings.Contains(SubjectDN(cert), "CN="+sensorID)
}

// SubjectDN renders the certificate subject in RFC 2253 order, most specific
// attribute first, e.g. "CN=temp1,OU=client,O=Org1".
func SubjectDN(cert *x509.Certificate) string {
	return cert.Subject.String()
}

// ParseCertificate decodes the first CERTIFICATE block of pemData.
func ParseCertificate(pemData []byte) (*x509.Certificate, error) {
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.Kind(errors.ErrInvalidData, fmt.Errorf("no certificate PEM block"))
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Kind(errors.ErrInvalidData, fmt.Errorf("parse certificate: %w", err))
		}
		return cert, nil
	}
}

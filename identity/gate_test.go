package identity

import (
	"bytes"
	"context"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/metric"
	fixtures "github.com/c360/cepbridge/testutil"
)

// memStore is a Store backed by a map that counts certificate loads.
type memStore struct {
	certs     map[string][]byte
	existsErr error
	certErr   error
	loads     int
}

func (m *memStore) Exists(_ context.Context, id string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.certs[id]
	return ok, nil
}

func (m *memStore) Certificate(_ context.Context, id string) ([]byte, error) {
	m.loads++
	if m.certErr != nil {
		return nil, m.certErr
	}
	cert, ok := m.certs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cert, nil
}

func TestGate_Authenticate(t *testing.T) {
	ca := fixtures.NewCA(t, "Test CA")
	store := &memStore{certs: map[string][]byte{
		"s1":    ca.IssueClient(t, "s1").CertPEM,
		"s2":    ca.IssueClient(t, "s1-other").CertPEM,
		"temp1": ca.IssueClient(t, "temp2").CertPEM,
		"junk":  []byte("not a certificate"),
	}}
	gate := NewGate(store)

	tests := []struct {
		name     string
		sensorID string
		accepted bool
		reason   Reason
	}{
		{"bound certificate", "s1", true, ReasonNone},
		{"unregistered", "ghost", false, ReasonNotRegistered},
		{"certificate issued to another sensor", "temp1", false, ReasonCertificateMismatch},
		{"unparseable certificate", "junk", false, ReasonVerificationError},
		// substring binding: CN=s1-other contains CN=s1 but not CN=s2
		{"substring does not match", "s2", false, ReasonCertificateMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gate.Authenticate(context.Background(), tt.sensorID)
			assert.Equal(t, tt.accepted, d.Accepted)
			assert.Equal(t, tt.reason, d.Reason)
			if tt.accepted {
				assert.NoError(t, d.AsError())
			} else {
				assert.ErrorIs(t, d.AsError(), errors.ErrAuthRejected)
			}
		})
	}
}

func TestGate_NotRegisteredSkipsCertificate(t *testing.T) {
	store := &memStore{certs: map[string][]byte{}}
	d := NewGate(store).Authenticate(context.Background(), "s1")

	assert.Equal(t, ReasonNotRegistered, d.Reason)
	assert.Zero(t, store.loads)
}

func TestGate_StoreErrors(t *testing.T) {
	ca := fixtures.NewCA(t, "Test CA")
	boom := fmt.Errorf("disk on fire")

	d := NewGate(&memStore{existsErr: boom}).Authenticate(context.Background(), "s1")
	assert.Equal(t, ReasonVerificationError, d.Reason)
	assert.ErrorIs(t, d.Err, boom)
	assert.ErrorIs(t, d.AsError(), boom)

	store := &memStore{certs: map[string][]byte{"s1": ca.IssueClient(t, "s1").CertPEM}, certErr: boom}
	d = NewGate(store).Authenticate(context.Background(), "s1")
	assert.Equal(t, ReasonVerificationError, d.Reason)
}

func TestGate_BindingModes(t *testing.T) {
	ca := fixtures.NewCA(t, "Test CA")
	store := &memStore{certs: map[string][]byte{
		// CN=s12 contains CN=s1
		"s1":  ca.IssueClient(t, "s12").CertPEM,
		"s12": ca.IssueClient(t, "s12").CertPEM,
	}}
	ctx := context.Background()

	substring := NewGate(store)
	assert.Equal(t, BindingSubstring, substring.Mode())
	assert.True(t, substring.Authenticate(ctx, "s1").Accepted, "substring binding collides on prefixes")
	assert.True(t, substring.Authenticate(ctx, "s12").Accepted)

	strict := NewGate(store, WithBindingMode(BindingStrict))
	assert.Equal(t, BindingStrict, strict.Mode())
	assert.Equal(t, ReasonCertificateMismatch, strict.Authenticate(ctx, "s1").Reason)
	assert.True(t, strict.Authenticate(ctx, "s12").Accepted)

	assert.Equal(t, BindingSubstring, NewGate(store, WithBindingMode("fuzzy")).Mode())
}

func TestGate_SubjectOrder(t *testing.T) {
	ca := fixtures.NewCA(t, "Test CA")
	leaf := ca.IssueWithSubject(t, pkix.Name{
		CommonName:         "temp1",
		OrganizationalUnit: []string{"client"},
		Organization:       []string{"Org1"},
		Country:            []string{"US"},
	})
	cert, err := ParseCertificate(leaf.CertPEM)
	require.NoError(t, err)
	assert.Equal(t, "CN=temp1,OU=client,O=Org1,C=US", SubjectDN(cert))
}

func TestGate_Metrics(t *testing.T) {
	ca := fixtures.NewCA(t, "Test CA")
	store := &memStore{certs: map[string][]byte{"s1": ca.IssueClient(t, "s1").CertPEM}}
	m := metric.NewMetrics()
	gate := NewGate(store, WithMetrics(m))

	gate.Authenticate(context.Background(), "s1")
	gate.Authenticate(context.Background(), "ghost")
	gate.Authenticate(context.Background(), "ghost")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesRejected.WithLabelValues("not_registered")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesRejected.WithLabelValues("certificate_mismatch")))
}

func TestParseCertificate(t *testing.T) {
	ca := fixtures.NewCA(t, "Test CA")
	leaf := ca.IssueClient(t, "s1")

	// key block first, certificate second
	bundle := append(append([]byte{}, leaf.KeyPEM...), leaf.CertPEM...)
	cert, err := ParseCertificate(bundle)
	require.NoError(t, err)
	assert.Equal(t, "s1", cert.Subject.CommonName)

	_, err = ParseCertificate(leaf.KeyPEM)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = ParseCertificate([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestReason_String(t *testing.T) {
	assert.Equal(t, "none", ReasonNone.String())
	assert.Equal(t, "not_registered", ReasonNotRegistered.String())
	assert.Equal(t, "certificate_mismatch", ReasonCertificateMismatch.String())
	assert.Equal(t, "verification_error", ReasonVerificationError.String())
	assert.Equal(t, "unknown", Reason(99).String())
}

func TestGate_LogsRejection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	gate := NewGate(&memStore{certs: map[string][]byte{}}, WithLogger(logger))

	require.False(t, gate.Authenticate(context.Background(), "ghost").Accepted)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Reading rejected", entry["msg"])
	assert.Equal(t, "ghost", entry["sensor_id"])
	assert.Equal(t, ReasonNotRegistered.String(), entry["reason"])
}

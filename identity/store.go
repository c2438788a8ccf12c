package identity

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Store is the read side of the sensor identity registry.
type Store interface {
	// Exists reports whether sensorID has a provisioned identity.
	Exists(ctx context.Context, sensorID string) (bool, error)
	// Certificate returns the PEM certificate stored for sensorID.
	Certificate(ctx context.Context, sensorID string) ([]byte, error)
}

// WritableStore is a Store that can also provision identities.
type WritableStore interface {
	Store
	// Put stores rec as the identity of sensorID, replacing any previous one.
	Put(ctx context.Context, sensorID string, rec *Record) error
}

var (
	_ WritableStore = (*FileStore)(nil)
	_ WritableStore = (*KVStore)(nil)
	_ WritableStore = (*PostgresStore)(nil)
	_ WritableStore = (*CachedStore)(nil)
)

// ErrNotFound is returned by Certificate when no identity is stored.
var ErrNotFound = stderrors.New("identity not found")

// Record is one provisioned sensor identity as written by the enrollment
// tooling.
type Record struct {
	Credentials Credentials `json:"credentials"`
	MSPID       string      `json:"mspId,omitempty"`
	Type        string      `json:"type,omitempty"`
	Version     int         `json:"version,omitempty"`
}

// Credentials holds the PEM material of a Record. The private key is never
// read by the bridge but is kept so records round-trip.
type Credentials struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"privateKey,omitempty"`
}

// ParseRecord decodes a wallet record. Certificates written with literal
// "\n" sequences instead of line breaks are normalised.
func ParseRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode identity record: %w", err)
	}
	if rec.Credentials.Certificate == "" {
		return nil, fmt.Errorf("identity record has no certificate")
	}
	rec.Credentials.Certificate = normalisePEM(rec.Credentials.Certificate)
	rec.Credentials.PrivateKey = normalisePEM(rec.Credentials.PrivateKey)
	return &rec, nil
}

// Marshal encodes the record in wallet form.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func normalisePEM(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

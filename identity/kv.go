package identity

import (
	"context"
	"fmt"

	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/natsclient"
)

// KeyValue is the subset of natsclient.KVStore the identity store needs.
type KeyValue interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// KVStore keeps wallet records in a JetStream key-value bucket keyed by
// sensor id, so several bridge replicas share one registry.
type KVStore struct {
	kv KeyValue
}

// NewKVStore wraps a bucket.
func NewKVStore(kv KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

// Exists reports whether the bucket holds a record for sensorID.
func (s *KVStore) Exists(ctx context.Context, sensorID string) (bool, error) {
	if !validKey(sensorID) {
		return false, nil
	}
	_, err := s.kv.Get(ctx, sensorID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "KVStore", "Exists", "get identity")
	}
	return true, nil
}

// Certificate returns the certificate of the stored record.
func (s *KVStore) Certificate(ctx context.Context, sensorID string) ([]byte, error) {
	if !validKey(sensorID) {
		return nil, ErrNotFound
	}
	entry, err := s.kv.Get(ctx, sensorID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Certificate", "get identity")
	}
	rec, err := ParseRecord(entry.Value)
	if err != nil {
		return nil, errors.Kind(errors.ErrInvalidData,
			errors.WrapInvalid(err, "KVStore", "Certificate", fmt.Sprintf("parse record %s", sensorID)))
	}
	return []byte(rec.Credentials.Certificate), nil
}

// Put stores rec under sensorID, replacing any previous record.
func (s *KVStore) Put(ctx context.Context, sensorID string, rec *Record) error {
	if !validKey(sensorID) {
		return errors.WrapInvalid(fmt.Errorf("invalid sensor id %q", sensorID), "KVStore", "Put", "validate key")
	}
	data, err := rec.Marshal()
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "Put", "encode identity")
	}
	if _, err := s.kv.Put(ctx, sensorID, data); err != nil {
		return errors.WrapTransient(err, "KVStore", "Put", "put identity")
	}
	return nil
}

// Delete removes the record of sensorID.
func (s *KVStore) Delete(ctx context.Context, sensorID string) error {
	if err := s.kv.Delete(ctx, sensorID); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KVStore", "Delete", "delete identity")
	}
	return nil
}

// List returns every registered sensor id.
func (s *KVStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "List", "list identities")
	}
	return keys, nil
}

// validKey accepts the ids JetStream allows as keys: letters, digits and
// -_=. but no leading or trailing dot.
func validKey(key string) bool {
	if !config.SafeID(key) || key[0] == '.' || key[len(key)-1] == '.' {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '=' || r == '.':
		default:
			return false
		}
	}
	return true
}

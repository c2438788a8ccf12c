package identity

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
)

// FileStore reads identities from a wallet directory holding one
// <sensorId>.id record per sensor.
type FileStore struct {
	dir string
}

// NewFileStore returns a store over dir. The directory must exist.
func NewFileStore(dir string) (*FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Kind(errors.ErrConfig,
			errors.WrapInvalid(err, "FileStore", "NewFileStore", "stat wallet directory"))
	}
	if !info.IsDir() {
		return nil, errors.Kind(errors.ErrConfig, errors.WrapInvalid(
			fmt.Errorf("%s is not a directory", dir), "FileStore", "NewFileStore", "stat wallet directory"))
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the wallet directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the wallet file for sensorID. Ids that could escape the
// wallet directory yield false.
func (s *FileStore) Path(sensorID string) (string, bool) {
	if !config.SafeID(sensorID) {
		return "", false
	}
	return filepath.Join(s.dir, sensorID+".id"), true
}

// Exists reports whether a wallet file is present for sensorID.
func (s *FileStore) Exists(_ context.Context, sensorID string) (bool, error) {
	path, ok := s.Path(sensorID)
	if !ok {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "FileStore", "Exists", "stat identity")
	}
	return info.Mode().IsRegular(), nil
}

// Certificate returns the certificate from the sensor's wallet file.
func (s *FileStore) Certificate(_ context.Context, sensorID string) ([]byte, error) {
	path, ok := s.Path(sensorID)
	if !ok {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, errors.WrapTransient(err, "FileStore", "Certificate", "read identity")
	}
	rec, err := ParseRecord(data)
	if err != nil {
		return nil, errors.Kind(errors.ErrInvalidData,
			errors.WrapInvalid(err, "FileStore", "Certificate", fmt.Sprintf("parse %s", filepath.Base(path))))
	}
	return []byte(rec.Credentials.Certificate), nil
}

// Put writes rec as the wallet file of sensorID.
func (s *FileStore) Put(_ context.Context, sensorID string, rec *Record) error {
	path, ok := s.Path(sensorID)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("unsafe sensor id %q", sensorID), "FileStore", "Put", "resolve path")
	}
	data, err := rec.Marshal()
	if err != nil {
		return errors.WrapInvalid(err, "FileStore", "Put", "encode identity")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.WrapTransient(err, "FileStore", "Put", "write identity")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapTransient(err, "FileStore", "Put", "install identity")
	}
	return nil
}

package identity

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/cepbridge/errors"
)

// DefaultTable is the table PostgresStore uses when none is configured.
const DefaultTable = "sensor_identities"

// PostgresStore reads identities from a table of (sensor_id, certificate)
// rows. The certificate column holds plain PEM.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if table == "" {
		table = DefaultTable
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Kind(errors.ErrConfig,
			errors.WrapInvalid(err, "PostgresStore", "NewPostgresStore", "parse dsn"))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "PostgresStore", "NewPostgresStore", "ping database")
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) quotedTable() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// EnsureSchema creates the identity table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		sensor_id   TEXT PRIMARY KEY,
		certificate TEXT NOT NULL,
		msp_id      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.quotedTable()))
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "EnsureSchema", "create table")
	}
	return nil
}

// Exists reports whether a row exists for sensorID.
func (s *PostgresStore) Exists(ctx context.Context, sensorID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE sensor_id = $1)`, s.quotedTable()),
		sensorID).Scan(&exists)
	if err != nil {
		return false, errors.WrapTransient(err, "PostgresStore", "Exists", "query identity")
	}
	return exists, nil
}

// Certificate returns the stored certificate of sensorID.
func (s *PostgresStore) Certificate(ctx context.Context, sensorID string) ([]byte, error) {
	var pemText string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT certificate FROM %s WHERE sensor_id = $1`, s.quotedTable()),
		sensorID).Scan(&pemText)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.WrapTransient(err, "PostgresStore", "Certificate", "query certificate")
	}
	return []byte(normalisePEM(pemText)), nil
}

// Put inserts or replaces the identity of sensorID.
func (s *PostgresStore) Put(ctx context.Context, sensorID string, rec *Record) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (sensor_id, certificate, msp_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (sensor_id) DO UPDATE SET certificate = EXCLUDED.certificate, msp_id = EXCLUDED.msp_id`,
		s.quotedTable()), sensorID, rec.Credentials.Certificate, rec.MSPID)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "Put", "upsert identity")
	}
	return nil
}

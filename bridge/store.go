package bridge

import (
	"context"
	"fmt"

	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/identity"
	"github.com/c360/cepbridge/natsclient"
)

// OpenStore opens the identity backend described by ic. The kv backend reads
// its bucket through conn, which must be a connected *natsclient.Client; the
// other backends ignore conn. The returned function releases the backend.
func OpenStore(ctx context.Context, ic config.IdentityConfig, conn natsclient.Conn) (identity.WritableStore, func(), error) {
	noop := func() {}

	switch ic.Backend {
	case config.BackendFile:
		fs, err := identity.NewFileStore(ic.WalletDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil

	case config.BackendKV:
		client, ok := conn.(*natsclient.Client)
		if !ok {
			return nil, nil, errors.WrapInvalid(fmt.Errorf("kv identity backend needs a NATS connection"),
				"Bridge", "OpenStore", "open kv store")
		}
		bucket, err := client.KeyValue(ctx, ic.KVBucket)
		if err != nil {
			return nil, nil, errors.WrapFatal(err, "Bridge", "OpenStore", fmt.Sprintf("open bucket %s", ic.KVBucket))
		}
		return cached(ctx, ic, identity.NewKVStore(client.NewKVStore(bucket)), noop)

	case config.BackendPostgres:
		pg, err := identity.NewPostgresStore(ctx, ic.PostgresDSN, ic.PostgresTable)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return cached(ctx, ic, pg, pg.Close)
	}

	return nil, nil, errors.Kind(errors.ErrConfig, errors.WrapInvalid(
		fmt.Errorf("unknown identity backend %q", ic.Backend), "Bridge", "OpenStore", "select backend"))
}

func cached(ctx context.Context, ic config.IdentityConfig, store identity.WritableStore, closer func()) (identity.WritableStore, func(), error) {
	if ic.CacheTTL == 0 {
		return store, closer, nil
	}
	cs, err := identity.NewCachedStore(ctx, store, ic.CacheTTL.Std())
	if err != nil {
		closer()
		return nil, nil, err
	}
	return cs, func() {
		cs.Close()
		closer()
	}, nil
}

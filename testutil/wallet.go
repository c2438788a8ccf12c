package testutil

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type walletCredentials struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"privateKey"`
}

type walletIdentity struct {
	Credentials walletCredentials `json:"credentials"`
	MSPID       string            `json:"mspId"`
	Type        string            `json:"type"`
	Version     int               `json:"version"`
}

// WalletRecord renders an identity record in the wallet file format. With
// escaped set, PEM newlines are stored as literal \n sequences the way some
// enrollment tools write them.
func WalletRecord(t testing.TB, leaf *Leaf, escaped bool) []byte {
	t.Helper()

	cert, key := string(leaf.CertPEM), string(leaf.KeyPEM)
	if escaped {
		cert = strings.ReplaceAll(cert, "\n", `\n`)
		key = strings.ReplaceAll(key, "\n", `\n`)
	}

	data, err := json.MarshalIndent(walletIdentity{
		Credentials: walletCredentials{Certificate: cert, PrivateKey: key},
		MSPID:       "Org1MSP",
		Type:        "X.509",
		Version:     1,
	}, "", "  ")
	require.NoError(t, err)
	return data
}

// WriteWalletIdentity stores leaf as <dir>/<sensorID>.id and returns the path.
func WriteWalletIdentity(t testing.TB, dir, sensorID string, leaf *Leaf) string {
	t.Helper()
	return WriteFile(t, dir, sensorID+".id", WalletRecord(t, leaf, false))
}

// cepctl is the operator CLI for the cepbridge alerting bridge.
//
// Usage:
//
//	cepctl compile -c cepbridge.yaml
//	cepctl publish -c cepbridge.yaml --sensor temp1 --value 35
//	cepctl subscribe -c cepbridge.yaml --count 10
//	cepctl identity import -c cepbridge.yaml temp1 wallet/temp1.id
//	cepctl identity check -c cepbridge.yaml temp1
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(defaultDeps()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// Package testutil provides fixtures shared by the bridge tests: a throwaway
// certificate authority, wallet identity records, tenant lists and rule
// files. It has no dependency on the broker packages so every package can
// use it from its tests.
package testutil

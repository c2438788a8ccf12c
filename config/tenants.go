package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/c360/cepbridge/errors"
)

const idPlaceholder = "{id}"

// InstanceList is the on-disk shape of the tenant list file.
type InstanceList struct {
	ContractIDs []string `json:"contractIds" yaml:"contractIds"`
}

// LoadInstances reads the tenant list file. Blank and repeated ids are
// dropped, first occurrence wins.
func LoadInstances(path string) ([]string, error) {
	data, err := ReadDocument(path)
	if err != nil {
		return nil, errors.Kind(errors.ErrConfig,
			errors.WrapInvalid(err, "Config", "LoadInstances", fmt.Sprintf("read tenant list %s", path)))
	}

	var list InstanceList
	if err := Decode(data, &list); err != nil {
		return nil, errors.Kind(errors.ErrConfig,
			errors.WrapInvalid(err, "Config", "LoadInstances", fmt.Sprintf("parse tenant list %s", path)))
	}

	return dedupe(list.ContractIDs), nil
}

// TenantIDs returns the configured tenant ids, reading the instances file
// when none are listed inline.
func (t TenantsConfig) TenantIDs() ([]string, error) {
	if len(t.IDs) > 0 {
		return dedupe(t.IDs), nil
	}
	return LoadInstances(t.InstancesFile)
}

// RulesPath resolves the rule file for a tenant. Ids that would escape the
// rules directory are rejected.
func (t TenantsConfig) RulesPath(tenantID string) (string, error) {
	if !SafeID(tenantID) {
		return "", errors.Kind(errors.ErrConfig, errors.WrapInvalid(
			fmt.Errorf("unsafe tenant id %q", tenantID),
			"Config", "RulesPath", "resolve rules file"))
	}
	name := strings.ReplaceAll(t.RulesPattern, idPlaceholder, tenantID)
	return filepath.Join(t.RulesDir, name), nil
}

// SafeID reports whether id can be embedded in a file name: non-empty, no
// path separators, no parent references and no control characters.
func SafeID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

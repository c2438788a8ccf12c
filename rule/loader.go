package rule

import (
	"fmt"

	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
)

// RuleSet is the on-disk shape of a tenant rule file (JSON or YAML).
type RuleSet struct {
	Rules []Descriptor `json:"rules" yaml:"rules"`
}

// LoadFile reads a tenant rule file. A missing file, unparsable content or an
// empty rule list is a config error.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := config.ReadDocument(path)
	if err != nil {
		return nil, errors.Kind(errors.ErrConfig,
			errors.WrapInvalid(err, "RuleLoader", "LoadFile", fmt.Sprintf("read rules file %s", path)))
	}

	var set RuleSet
	if err := config.Decode(data, &set); err != nil {
		return nil, errors.Kind(errors.ErrConfig,
			errors.WrapInvalid(err, "RuleLoader", "LoadFile", fmt.Sprintf("parse rules file %s", path)))
	}

	if len(set.Rules) == 0 {
		return nil, errors.Kind(errors.ErrConfig, errors.WrapInvalid(
			fmt.Errorf("no rules"), "RuleLoader", "LoadFile", fmt.Sprintf("read rules from %s", path)))
	}

	return set.Rules, nil
}

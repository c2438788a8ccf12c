// Package rule holds declarative alerting rule descriptors and the compiler
// that turns them into streaming query text.
package rule

import (
	"fmt"
	"strings"

	"github.com/c360/cepbridge/errors"
)

// Descriptor is one declarative alerting condition, loaded from a tenant
// rule file and immutable after load.
type Descriptor struct {
	ID        string `json:"id" yaml:"id"`
	Select    string `json:"select" yaml:"select"`
	Condition string `json:"condition" yaml:"condition"`
	Window    string `json:"window,omitempty" yaml:"window,omitempty"`
	Having    string `json:"having,omitempty" yaml:"having,omitempty"`
	SensorID  string `json:"sensorId,omitempty" yaml:"sensorId,omitempty"`
}

// Validate checks the fields every rule must carry.
func (d Descriptor) Validate() error {
	var missing []string
	if strings.TrimSpace(d.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(d.Select) == "" {
		missing = append(missing, "select")
	}
	if strings.TrimSpace(d.Condition) == "" {
		missing = append(missing, "condition")
	}
	if len(missing) > 0 {
		return errors.Kind(errors.ErrConfig, errors.WrapInvalid(
			fmt.Errorf("missing %s", strings.Join(missing, ", ")),
			"Descriptor", "Validate", fmt.Sprintf("validate rule %q", d.ID)))
	}
	return nil
}

// HasWindow reports whether the rule carries a windowing policy.
func (d Descriptor) HasWindow() bool {
	return strings.TrimSpace(d.Window) != ""
}

// HasHaving reports whether the rule carries a post-aggregation filter.
func (d Descriptor) HasHaving() bool {
	return strings.TrimSpace(d.Having) != ""
}

// IsScoped reports whether the rule is bound to a single sensor.
func (d Descriptor) IsScoped() bool {
	return d.SensorID != ""
}

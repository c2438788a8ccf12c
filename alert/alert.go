// Package alert turns statement matches into alert messages and publishes
// them on the fan-out exchange.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/cepbridge/cep"
)

// TimestampLayout formats the alertTimestamp field, e.g. 2024-05-01-13:45:09.
const TimestampLayout = "2006-01-02-15:04:05"

// MatchContext identifies the rule and tenant behind a statement. It is
// bound when the statement is deployed and passed by value to every
// callback.
type MatchContext struct {
	TenantID    string
	RuleID      string
	Query       string
	StatementID int
}

// Alert is one published match.
type Alert struct {
	ID        string
	TenantID  string
	RuleID    string
	Payload   string
	EmittedAt time.Time
}

// FormatPayload renders a match row as alert text:
//
//	ALERT: {sensorId=temp1, value=35, contractId=c1, ruleId=r1, alertTimestamp=2024-05-01-13:45:09}
func FormatPayload(row cep.Row, mc MatchContext, at time.Time) string {
	body := strings.TrimSuffix(row.String(), "}")
	sep := ", "
	if row.Len() == 0 {
		sep = ""
	}
	return fmt.Sprintf("ALERT: %s%scontractId=%s, ruleId=%s, alertTimestamp=%s}",
		body, sep, mc.TenantID, mc.RuleID, at.Format(TimestampLayout))
}

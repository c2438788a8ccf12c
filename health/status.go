// Package health describes the state of the bridge's dependencies for the
// /healthz endpoint.
package health

import (
	stderrors "errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrDegraded marks a check failure that leaves the bridge serving.
var ErrDegraded = stderrors.New("degraded")

// Pre-compiled patterns for message sanitization.
var (
	urlPattern        = regexp.MustCompile(`(?:https?|nats|tls|wss?|postgres(?:ql)?)://[^\s]+`)
	pathPattern       = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipPattern         = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portPattern       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one check or of the whole bridge.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsUnhealthy reports whether the status is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

// IsDegraded reports whether the status is degraded.
func (s Status) IsDegraded() bool { return s.Status == StatusDegraded }

// Degraded marks err as a degraded condition. A nil err stays nil.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return &degradedError{err: err}
}

type degradedError struct{ err error }

func (e *degradedError) Error() string   { return e.err.Error() }
func (e *degradedError) Unwrap() []error { return []error{ErrDegraded, e.err} }

// FromError turns a check result into a Status. Errors marked with Degraded
// are degraded; any other error is unhealthy. Messages are sanitized.
func FromError(component string, err error, now time.Time) Status {
	s := Status{Component: component, Healthy: true, Status: StatusHealthy, Timestamp: now}
	if err == nil {
		return s
	}
	s.Healthy = false
	s.Status = StatusUnhealthy
	if stderrors.Is(err, ErrDegraded) {
		s.Status = StatusDegraded
	}
	s.Message = sanitize(err.Error())
	return s
}

// Aggregate rolls subs up into one status: unhealthy if any is unhealthy,
// degraded if any is degraded, healthy otherwise. Subs are sorted by name.
func Aggregate(component string, subs []Status, now time.Time) Status {
	out := Status{Component: component, Healthy: true, Status: StatusHealthy, Timestamp: now}
	if len(subs) == 0 {
		return out
	}

	out.SubStatuses = append([]Status(nil), subs...)
	sort.Slice(out.SubStatuses, func(i, j int) bool {
		return out.SubStatuses[i].Component < out.SubStatuses[j].Component
	})
	for _, sub := range out.SubStatuses {
		switch {
		case sub.IsUnhealthy():
			out.Status = StatusUnhealthy
		case sub.IsDegraded() && out.Status == StatusHealthy:
			out.Status = StatusDegraded
		}
	}
	// Degraded still serves traffic.
	out.Healthy = out.Status != StatusUnhealthy
	return out
}

// sanitize removes broker addresses, DSNs, file paths and credentials from
// messages served to unauthenticated scrapers.
func sanitize(msg string) string {
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = pathPattern.ReplaceAllString(msg, "[PATH]")
	msg = ipPattern.ReplaceAllString(msg, "[IP]")
	msg = portPattern.ReplaceAllString(msg, "[PORT]")
	if lower := strings.ToLower(msg); strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "credential") {
		msg = credentialPattern.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

package health

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Unix(1700000000, 0).UTC()

func TestFromError(t *testing.T) {
	s := FromError("broker", nil, now)
	assert.Equal(t, Status{Component: "broker", Healthy: true, Status: StatusHealthy, Timestamp: now}, s)

	s = FromError("broker", fmt.Errorf("nats: no servers available"), now)
	assert.False(t, s.Healthy)
	assert.True(t, s.IsUnhealthy())
	assert.Equal(t, "nats: no servers available", s.Message)

	s = FromError("publisher", Degraded(fmt.Errorf("publish timed out")), now)
	assert.False(t, s.Healthy)
	assert.True(t, s.IsDegraded())
	assert.Equal(t, "publish timed out", s.Message)

	assert.NoError(t, Degraded(nil))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"dial tls://broker.internal:4222 failed", "dial [URL] failed"},
		{"connect postgres://user:pw@db/ids: refused", "connect [URL] refused"},
		{"open /etc/cepbridge/wallet/temp1.id: permission denied", "open [PATH]: permission denied"},
		{"dial tcp 10.0.0.7:4222: connection refused", "dial tcp [IP][PORT]: connection refused"},
		{"auth failed password=hunter2", "auth failed [REDACTED]"},
		{"key usage mismatch", "key usage mismatch"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitize(tt.in), tt.in)
	}
}

func TestAggregate(t *testing.T) {
	healthy := FromError("b", nil, now)
	degraded := FromError("a", Degraded(fmt.Errorf("slow")), now)
	unhealthy := FromError("c", fmt.Errorf("down"), now)

	s := Aggregate("cepbridge", nil, now)
	assert.True(t, s.Healthy)
	assert.Empty(t, s.SubStatuses)

	s = Aggregate("cepbridge", []Status{healthy, degraded}, now)
	assert.Equal(t, StatusDegraded, s.Status)
	assert.True(t, s.Healthy, "degraded still serves")
	assert.Equal(t, "a", s.SubStatuses[0].Component)

	s = Aggregate("cepbridge", []Status{unhealthy, degraded, healthy}, now)
	assert.Equal(t, StatusUnhealthy, s.Status)
	assert.False(t, s.Healthy)
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		s.SubStatuses[0].Component, s.SubStatuses[1].Component, s.SubStatuses[2].Component,
	})
}

// Package router decodes inbound readings and hands authenticated ones to
// the engine's single ingestion point. Tenant routing is implicit: every
// statement is scoped to its sensor by its own WHERE clause.
package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/c360/cepbridge/cep"
	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/metric"
)

// Event fields every statement can reference.
const (
	FieldSensorID  = "sensorId"
	FieldValue     = "value"
	FieldTimestamp = "timestamp"
)

// Fields lists the event type fields in declaration order.
var Fields = []string{FieldSensorID, FieldValue, FieldTimestamp}

// Reading is one decoded sensor message.
type Reading struct {
	SensorID  string  `json:"sensorId"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

type wireReading struct {
	SensorID  string          `json:"sensorId"`
	Value     json.RawMessage `json:"value"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// ParseReading decodes a wire message. value may be a JSON number or a
// numeric string; timestamp is kept as text and never validated. Errors
// wrap errors.ErrDispatch.
func ParseReading(data []byte) (Reading, error) {
	var w wireReading
	if err := json.Unmarshal(data, &w); err != nil {
		return Reading{}, dispatchError(err, "decode reading")
	}
	if strings.TrimSpace(w.SensorID) == "" {
		return Reading{}, dispatchError(fmt.Errorf("missing sensorId"), "decode reading")
	}

	value, err := parseValue(w.Value)
	if err != nil {
		return Reading{}, dispatchError(err, fmt.Sprintf("decode value of %s", w.SensorID))
	}

	return Reading{
		SensorID:  w.SensorID,
		Value:     value,
		Timestamp: parseTimestamp(w.Timestamp),
	}, nil
}

func parseValue(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing value")
	}

	var v float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", s)
		}
		v = parsed
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("value %s is not numeric", raw)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value %v is not finite", v)
	}
	return v, nil
}

func parseTimestamp(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func dispatchError(err error, action string) error {
	return errors.Kind(errors.ErrDispatch, errors.WrapInvalid(err, "Router", "ParseReading", action))
}

// Event returns the reading as an engine event.
func (r Reading) Event() cep.Event {
	return cep.Event{
		FieldSensorID:  r.SensorID,
		FieldValue:     r.Value,
		FieldTimestamp: r.Timestamp,
	}
}

// Engine is the ingestion side of the evaluation engine.
type Engine interface {
	SendEvent(typeName string, ev cep.Event) error
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics counts injected events.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router sends readings to the engine under one event type.
type Router struct {
	engine    Engine
	eventType string
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// New creates a router for eventType. When engine is a *cep.Engine the
// event type is registered if it does not exist yet.
func New(engine Engine, eventType string, opts ...Option) (*Router, error) {
	if engine == nil || eventType == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("engine and event type are required"),
			"Router", "New", "validate config")
	}
	if e, ok := engine.(*cep.Engine); ok {
		if _, exists := e.EventType(eventType); !exists {
			if err := e.RegisterEventType(eventType, Fields...); err != nil {
				return nil, err
			}
		}
	}

	r := &Router{engine: engine, eventType: eventType, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r, nil
}

// EventType returns the event type readings are sent as.
func (r *Router) EventType() string {
	return r.eventType
}

// Route injects an authenticated reading.
func (r *Router) Route(reading Reading) error {
	if err := r.engine.SendEvent(r.eventType, reading.Event()); err != nil {
		return errors.Wrap(err, "Router", "Route", fmt.Sprintf("send event for %s", reading.SensorID))
	}
	if r.metrics != nil {
		r.metrics.EventsInjected.Inc()
	}
	r.logger.Debug("Event injected", "sensor_id", reading.SensorID, "value", reading.Value)
	return nil
}

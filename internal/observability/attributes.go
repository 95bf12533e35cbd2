// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrProvider = "provider"
	attrOutcome  = "outcome"
	attrType     = "type"
	attrSweep    = "sweep"
	attrAction   = "action"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123 -> /v1/jobs/{jobId}
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func providerAttr(providerID string) attribute.KeyValue {
	return attribute.String(attrProvider, providerID)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func typeAttr(t string) attribute.KeyValue {
	return attribute.String(attrType, t)
}

func sweepAttr(sweep string) attribute.KeyValue {
	return attribute.String(attrSweep, sweep)
}

func actionAttr(action string) attribute.KeyValue {
	return attribute.String(attrAction, action)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	// /v1/jobs/{jobId} and /v1/jobs/{jobId}/<action>
	const prefix = "/v1/jobs/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return path
	}
	if i := strings.IndexByte(path[len(prefix):], '/'); i >= 0 {
		return "/v1/jobs/{jobId}" + path[len(prefix)+i:]
	}
	return "/v1/jobs/{jobId}"
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithProvider returns a metric option with the provider attribute.
func WithProvider(providerID string) metric.MeasurementOption {
	return metric.WithAttributes(providerAttr(providerID))
}

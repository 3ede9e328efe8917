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
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrOp      = "op"
	attrOutcome = "outcome"
	attrKind    = "kind"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123 -> /v1/jobs/{jobHandle}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

// normalizePath replaces dynamic path segments with placeholders.
// Routers that know their pattern should pass it instead.
func normalizePath(path string) string {
	if strings.Contains(path, "{") {
		return path
	}
	const (
		jobsPrefix      = "/v1/jobs/"
		artifactsPrefix = "/v1/artifacts/"
	)
	switch {
	case strings.HasPrefix(path, jobsPrefix) && len(path) > len(jobsPrefix):
		rest := path[len(jobsPrefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return jobsPrefix + "{jobHandle}" + rest[i:]
		}
		return jobsPrefix + "{jobHandle}"
	case strings.HasPrefix(path, artifactsPrefix) && len(path) > len(artifactsPrefix):
		return artifactsPrefix + "{ref}"
	}
	return path
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

// WithOp returns a metric option with the op attribute.
func WithOp(op string) metric.MeasurementOption {
	return metric.WithAttributes(opAttr(op))
}

// Package observability provides metrics and tracing for the bridge.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrJobType = "job_type"
	attrOp      = "op"
	attrOutcome = "outcome"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func jobTypeAttr(t string) attribute.KeyValue {
	if t == "" {
		t = "unknown"
	}
	return attribute.String(attrJobType, t)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces job ids and stream tokens with placeholders.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/jobs/"):
		rest := strings.TrimPrefix(path, "/v1/jobs/")
		if rest == "" {
			return path
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/v1/jobs/{jobId}" + rest[i:]
		}
		return "/v1/jobs/{jobId}"
	case strings.HasPrefix(path, "/v1/streams/") && len(path) > len("/v1/streams/"):
		return "/v1/streams/{token}"
	}
	return path
}

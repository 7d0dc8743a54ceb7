// Package apierror provides standardized error response structures for the API
// plus the error-kind taxonomy shared by server and sync client.
// All errors returned to clients go through this package to ensure consistency
// and to prevent leaking internal details (stack traces, DB errors, etc.).
package apierror

// Kind classifies a sync failure. The engine recovers TransientNetwork and
// VersionConflict on its own; every other kind surfaces on the error stream.
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindVersionConflict  Kind = "version_conflict"
	KindTenantViolation  Kind = "tenant_violation"
	KindUnauthenticated  Kind = "unauthenticated"
	KindValidation       Kind = "validation_error"
	KindStorage          Kind = "storage_error"
	KindResolverRefusal  Kind = "resolver_refusal"

	// KindBackpressure is raised client-side when a device's pending journal
	// outgrows its soft cap. The server never returns it.
	KindBackpressure Kind = "backpressure"
)

// APIError is the canonical error envelope for all 4xx/5xx HTTP responses.
type APIError struct {
	Detail string `json:"detail"`
	Kind   Kind   `json:"kind,omitempty"`
}

func New(msg string) *APIError {
	return &APIError{Detail: msg}
}

// NewKind tags the envelope with a taxonomy kind so clients can classify
// the failure without string matching.
func NewKind(kind Kind, msg string) *APIError {
	return &APIError{Detail: msg, Kind: kind}
}

// Validation wraps multiple field errors.
type ValidationError struct {
	Detail string            `json:"detail"`
	Kind   Kind              `json:"kind"`
	Fields map[string]string `json:"fields"`
}

func NewValidation(fields map[string]string) *ValidationError {
	return &ValidationError{Detail: "validation failed", Kind: KindValidation, Fields: fields}
}

package aggregation

import (
	"errors"
	"fmt"
)

// ValidationKind is the machine-readable reason an ingest was rejected.
type ValidationKind string

const (
	KindMissingDeviceID ValidationKind = "missing_device_id"
	KindMalformedField  ValidationKind = "malformed_field"
	KindPayloadTooLarge ValidationKind = "payload_too_large"
)

// ValidationError is returned by Ingest when the payload is rejected. A
// rejected payload never changes the store.
type ValidationError struct {
	Kind   ValidationKind
	Field  string // set for KindMalformedField
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// ErrInternalFault marks stored state that violates a store invariant.
var ErrInternalFault = errors.New("internal fault")

func missingDeviceID() *ValidationError {
	return &ValidationError{Kind: KindMissingDeviceID, Reason: "device_id is required"}
}

func malformed(field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Kind:   KindMalformedField,
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}

func tooLarge(size, limit int) *ValidationError {
	return &ValidationError{
		Kind:   KindPayloadTooLarge,
		Reason: fmt.Sprintf("payload is %d bytes, limit is %d", size, limit),
	}
}
